package abort

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaycode-dev/relaycode/internal/bridge/conversation"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	key := conversation.NewKey("C123", "170001.23")

	require.False(t, r.IsAborted(key))

	r.MarkAborted(key)
	require.True(t, r.IsAborted(key))

	// Marking twice keeps the flag set.
	r.MarkAborted(key)
	require.True(t, r.IsAborted(key))

	// Other conversations are unaffected.
	require.False(t, r.IsAborted(conversation.NewKey("C123", "")))

	r.Clear(key)
	require.False(t, r.IsAborted(key))

	// Clearing an unset key is harmless.
	r.Clear(key)
}
