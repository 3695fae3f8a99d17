package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// flakyClient fails the first failuresLeft calls, then succeeds. Methods it
// does not override panic via the embedded nil interface, which is fine for
// these tests.
type flakyClient struct {
	Client
	posts        int
	probes       int
	failuresLeft int
	err          error
}

func (f *flakyClient) PostMessage(context.Context, string, Message) (string, error) {
	f.posts++
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return "", f.err
	}
	return "1700000000.000001", nil
}

func (f *flakyClient) FileShareTS(context.Context, string, string) (string, error) {
	f.probes++
	return "", f.err
}

func TestWithRetryRecoversTransientFailures(t *testing.T) {
	inner := &flakyClient{failuresLeft: 2, err: errors.New("service_unavailable")}
	var attempts []uint
	c := WithRetry(inner, func(op string, attempt uint, err error) {
		require.Equal(t, "chat.postMessage", op)
		attempts = append(attempts, attempt)
	})

	ts, err := c.PostMessage(context.Background(), "C1", Message{Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, "1700000000.000001", ts)
	require.Equal(t, 3, inner.posts)
	require.Equal(t, []uint{1, 2}, attempts)
}

func TestWithRetryFailsFastOnPermanentErrors(t *testing.T) {
	inner := &flakyClient{failuresLeft: 5, err: errors.New("channel_not_found")}
	c := WithRetry(inner, nil)

	_, err := c.PostMessage(context.Background(), "C1", Message{Text: "hi"})
	require.Error(t, err)
	require.Equal(t, 1, inner.posts)
}

func TestWithRetrySkipsProbes(t *testing.T) {
	inner := &flakyClient{err: errors.New("timeout")}
	c := WithRetry(inner, nil)

	_, err := c.FileShareTS(context.Background(), "F1", "C1")
	require.Error(t, err)
	require.Equal(t, 1, inner.probes)
}
