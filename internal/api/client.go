package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/mirrorsync/internal/mirror"
)

// Fetcher performs the initial full fetch of the mirrored data set.
type Fetcher interface {
	FetchAll(ctx context.Context) (*mirror.Snapshot, error)
}

type HTTPClient struct {
	httpClient  *http.Client
	snapshotURL string
	limiter     *rate.Limiter
	retryCount  int
	retryDelay  time.Duration
	logger      *zap.Logger
}

func NewClient(snapshotURL string, ratePerSec int, timeout, retryDelay time.Duration, retryCount int, logger *zap.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:       10,
		MaxConnsPerHost:    2,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
	}
	if ratePerSec < 1 {
		ratePerSec = 1
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		snapshotURL: snapshotURL,
		limiter:     rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		retryCount:  retryCount,
		retryDelay:  retryDelay,
		logger:      logger,
	}
}

// FetchAll downloads the full data set and the version it corresponds to.
func (c *HTTPClient) FetchAll(ctx context.Context) (*mirror.Snapshot, error) {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	c.logger.Debug("fetching snapshot", zap.String("url", c.snapshotURL))

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1)) // Exponential backoff
			c.logger.Debug("retrying snapshot fetch", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.snapshotURL, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		// Read body before closing for error messages
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = ErrRateLimited
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		}

		var snap mirror.Snapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			return nil, fmt.Errorf("decoding snapshot: %w", err)
		}
		if snap.Version < 0 {
			return nil, fmt.Errorf("%w: negative version %d", ErrInvalidSnapshot, snap.Version)
		}

		c.logger.Info("snapshot fetched",
			zap.Int64("version", snap.Version),
			zap.Int("kinds", len(snap.Data)),
		)
		return &snap, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
