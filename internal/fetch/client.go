// Package fetch performs upstream place and photo retrieval with failure
// classification and bounded retry.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/errors"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/logging"
	"github.com/dmgoldstein1/google-maps-timeline-viewer/internal/models"
)

// maxPhotoBytes bounds a single photo download.
const maxPhotoBytes = 32 << 20

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	BackoffBase time.Duration
	MaxAttempts int
	// MaxPhotoWidth is the width requested from upstream; the variant
	// pipeline only ever scales down from it.
	MaxPhotoWidth int
}

// Client fetches place records and photo bytes from the upstream source.
// Transient failures (429, 5xx, timeouts, resets) are retried with
// exponential backoff and jitter up to MaxAttempts; permanent failures
// (4xx, malformed bodies, non-image photo payloads) escalate immediately.
type Client struct {
	opts Options
	http *http.Client
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.MaxPhotoWidth <= 0 {
		opts.MaxPhotoWidth = 1600
	}
	return &Client{
		opts: opts,
		http: &http.Client{Timeout: opts.Timeout},
	}
}

// placeResponse mirrors the upstream place payload.
type placeResponse struct {
	ID          string `json:"id"`
	DisplayName struct {
		Text string `json:"text"`
	} `json:"displayName"`
	FormattedAddress string `json:"formattedAddress"`
	Location         struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
	Types           []string `json:"types"`
	IconMaskBaseURI string   `json:"iconMaskBaseUri"`
	Photos          []struct {
		Name     string `json:"name"`
		WidthPx  int    `json:"widthPx"`
		HeightPx int    `json:"heightPx"`
	} `json:"photos"`
}

// FetchPlace retrieves one place record by identifier.
func (c *Client) FetchPlace(ctx context.Context, placeID string) (*models.PlaceSnapshot, error) {
	u := fmt.Sprintf("%s/v1/places/%s", strings.TrimRight(c.opts.BaseURL, "/"), url.PathEscape(placeID))

	var snap *models.PlaceSnapshot
	err := c.withRetry(ctx, "place "+placeID, func() error {
		body, err := c.get(ctx, u)
		if err != nil {
			return err
		}

		var resp placeResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return errors.Wrap(errors.ErrFetchPermanent, "malformed place payload", err)
		}
		if resp.DisplayName.Text == "" {
			return errors.New(errors.ErrFetchPermanent, "place payload missing display name")
		}

		snap = &models.PlaceSnapshot{
			PlaceID:    placeID,
			Name:       resp.DisplayName.Text,
			Address:    resp.FormattedAddress,
			Latitude:   resp.Location.Latitude,
			Longitude:  resp.Location.Longitude,
			Tags:       strings.Join(resp.Types, ","),
			IconURL:    resp.IconMaskBaseURI,
			CapturedAt: time.Now().Unix(),
		}
		for _, p := range resp.Photos {
			snap.Photos = append(snap.Photos, models.PhotoRef{
				Name:     p.Name,
				WidthPx:  p.WidthPx,
				HeightPx: p.HeightPx,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// FetchPhoto retrieves the raw bytes for one photo reference.
func (c *Client) FetchPhoto(ctx context.Context, ref models.PhotoRef) ([]byte, error) {
	u := fmt.Sprintf("%s/v1/%s/media?maxWidthPx=%d",
		strings.TrimRight(c.opts.BaseURL, "/"), ref.Name, c.opts.MaxPhotoWidth)

	var data []byte
	err := c.withRetry(ctx, "photo "+ref.Name, func() error {
		body, err := c.get(ctx, u)
		if err != nil {
			return err
		}
		if mt := mimetype.Detect(body); !strings.HasPrefix(mt.String(), "image/") {
			return errors.New(errors.ErrFetchPermanent,
				fmt.Sprintf("photo payload is %s, not an image", mt.String()))
		}
		data = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// get performs one classified HTTP GET.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrFetchPermanent, "failed to build request", err)
	}
	if c.opts.APIKey != "" {
		req.Header.Set("X-Goog-Api-Key", c.opts.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// A dead caller context is cancellation, not an upstream fault.
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.ErrFetchCancelled, "request cancelled", ctx.Err())
		}
		// Timeouts, resets and DNS hiccups are all retryable.
		return nil, errors.Wrap(errors.ErrFetchTransient, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes))
	if err != nil {
		return nil, errors.Wrap(errors.ErrFetchTransient, "failed to read response body", err)
	}
	return body, nil
}

// classifyStatus maps an HTTP status to a failure class.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return errors.New(errors.ErrFetchTransient, "upstream rate limited (429)")
	case code >= 500:
		return errors.New(errors.ErrFetchTransient, fmt.Sprintf("upstream server error (%d)", code))
	case code == http.StatusNotFound:
		return errors.New(errors.ErrFetchPermanent, "not found (404)")
	default:
		return errors.New(errors.ErrFetchPermanent, fmt.Sprintf("unexpected status (%d)", code))
	}
}

// withRetry runs fn, retrying transient failures with exponential backoff.
// Delays start at BackoffBase, double per attempt, and carry up to 50%
// jitter so workers do not synchronize their retry storms.
func (c *Client) withRetry(ctx context.Context, what string, fn func() error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.IsTransient(lastErr) {
			return lastErr
		}
		if attempt >= c.opts.MaxAttempts {
			return errors.Wrap(errors.ErrFetchTransient,
				fmt.Sprintf("retries exhausted after %d attempts", attempt), lastErr)
		}

		delay := backoffDelay(c.opts.BackoffBase, attempt)
		logging.Debug("transient fetch failure, backing off",
			map[string]interface{}{
				"target":   what,
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
			})

		select {
		case <-ctx.Done():
			return errors.Wrap(errors.ErrFetchCancelled, "retry interrupted", ctx.Err())
		case <-time.After(delay):
		}
	}
}

// backoffDelay computes base * 2^(attempt-1) plus up to 50% jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base << uint(attempt-1)
	// Cap at one minute
	if d > time.Minute {
		d = time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}
