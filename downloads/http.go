package downloads

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 2 * time.Second
	copyBufferSize = 64 * 1024
	reportInterval = 250 * time.Millisecond
	userAgent      = "grebe-depth-studio"
)

// httpClient carries no overall timeout; model files run to gigabytes
// and cancellation comes from the request context instead.
var httpClient = &http.Client{}

// DownloadWithRetry fetches url into destPath, resuming a partial file
// and retrying transient failures with a growing delay.
func DownloadWithRetry(ctx context.Context, destPath, url string, progressCb ByteProgressCallback) error {
	var lastErr error
	delay := retryBaseDelay
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		lastErr = downloadFile(ctx, destPath, url, progressCb)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt < retryAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("download failed after %d attempts: %w", retryAttempts, lastErr)
}

// countingWriter forwards writes to the output file and reports byte
// progress at most every reportInterval.
type countingWriter struct {
	dst        io.Writer
	written    int64
	total      int64
	report     ByteProgressCallback
	lastReport time.Time
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	w.written += int64(n)
	if w.report != nil && time.Since(w.lastReport) >= reportInterval {
		w.report(w.written, w.total)
		w.lastReport = time.Now()
	}
	return n, err
}

// downloadFile performs one download attempt. An existing partial file
// is resumed with a Range request when the server honors it.
func downloadFile(ctx context.Context, destPath, url string, progressCb ByteProgressCallback) error {
	var resumeFrom int64
	if st, err := os.Stat(destPath); err == nil {
		resumeFrom = st.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored the Range header; start over.
		resumeFrom = 0
	case http.StatusPartialContent:
	default:
		return fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(destPath, flags, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", destPath, err)
	}
	defer out.Close()

	total := resp.ContentLength
	if total > 0 {
		total += resumeFrom
	}

	cw := &countingWriter{dst: out, written: resumeFrom, total: total, report: progressCb}
	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(cw, resp.Body, buf); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("write %s: %w", destPath, err)
	}

	if progressCb != nil {
		progressCb(cw.written, total)
	}
	return nil
}

// FormatBytes renders a byte count for progress messages.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
