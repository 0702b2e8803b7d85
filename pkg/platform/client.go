package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPClient posts JSON payloads with bounded retries. Used to notify
// downstream consumers (dashboards, schedulers) that a derivation run
// finished.
type HTTPClient struct {
	Client  *http.Client
	Retries int
	Logger  *slog.Logger
}

func NewHTTPClient(retries int, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		Client:  &http.Client{Timeout: timeout},
		Retries: retries,
		Logger:  slog.Default(),
	}
}

// PostJSON posts body to url, retrying on transport errors and 5xx responses
// with exponential backoff. 4xx responses are returned without retrying.
func (c *HTTPClient) PostJSON(ctx context.Context, url string, body []byte) error {
	var lastErr error

	for i := 0; i <= c.Retries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.Client.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode < 500 {
				if resp.StatusCode >= 400 {
					return fmt.Errorf("notification rejected: %s", resp.Status)
				}
				return nil
			}
			lastErr = fmt.Errorf("notification failed: %s", resp.Status)
		} else {
			lastErr = err
		}

		if i < c.Retries {
			c.Logger.Warn("notification failed, retrying",
				"url", url, "attempt", i+1, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(1<<i) * 200 * time.Millisecond):
			}
		}
	}

	return fmt.Errorf("notification failed after %d retries: %w", c.Retries, lastErr)
}
