// Package livestatus asks the broadcast page whether the program is still on air.
package livestatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"live-recorder/constant"
)

var ErrUnexpectedStatusCode = errors.New("unexpected status code")

type statusResponse struct {
	Status string `json:"status"`
	Data   *struct {
		Status string `json:"status"`
	} `json:"data,omitempty"`
}

type Client struct {
	URL        string
	HTTPClient *http.Client
	MaxTries   uint
}

func NewClient(url string) *Client {
	return &Client{
		URL:        url,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		MaxTries:   3,
	}
}

// CheckLiveStatus never fails: anything it cannot read becomes UNKNOWN.
func (c *Client) CheckLiveStatus(ctx context.Context) constant.LiveStatus {
	if c.URL == "" {
		return constant.LiveStatusUnknown
	}

	operation := func() (constant.LiveStatus, error) {
		status, err := c.fetch(ctx)
		if err != nil {
			var retryable *retryableError
			if errors.As(err, &retryable) {
				return "", err
			}
			return "", backoff.Permanent(err)
		}
		return status, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	status, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(c.MaxTries))
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("url", c.URL).Msg("failed to check live status")
		return constant.LiveStatusUnknown
	}
	return status
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (c *Client) fetch(ctx context.Context) (constant.LiveStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", &retryableError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return "", &retryableError{err: fmt.Errorf("%w: %d", ErrUnexpectedStatusCode, resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %d", ErrUnexpectedStatusCode, resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	raw := body.Status
	if body.Data != nil && body.Data.Status != "" {
		raw = body.Data.Status
	}
	return parseStatus(raw), nil
}

func parseStatus(raw string) constant.LiveStatus {
	switch constant.LiveStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case constant.LiveStatusOnAir:
		return constant.LiveStatusOnAir
	case constant.LiveStatusEnded:
		return constant.LiveStatusEnded
	}
	return constant.LiveStatusUnknown
}
