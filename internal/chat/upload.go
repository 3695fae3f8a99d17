package chat

import (
	"context"
	"time"
)

// UploadAndWait uploads a file and polls for its share timestamp in the
// target channel. Uploads become visible asynchronously, so the ts can lag
// the upload call. An empty shareTS with nil error means the poll budget ran
// out before the share appeared; the upload itself still succeeded.
func UploadAndWait(ctx context.Context, c Client, up FileUpload, interval time.Duration, attempts int) (fileID, shareTS string, err error) {
	fileID, err = c.UploadFile(ctx, up)
	if err != nil {
		return "", "", err
	}
	for i := 0; i < attempts; i++ {
		ts, probeErr := c.FileShareTS(ctx, fileID, up.ChannelID)
		if probeErr == nil && ts != "" {
			return fileID, ts, nil
		}
		select {
		case <-ctx.Done():
			return fileID, "", nil
		case <-time.After(interval):
		}
	}
	return fileID, "", nil
}
