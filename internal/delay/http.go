package delay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPSource queries GET <base>/<train number> for {"delay_minutes": n}.
type HTTPSource struct {
	baseURL    string
	client     *http.Client
	maxRetries uint64
}

type httpDelayResponse struct {
	DelayMinutes *int `json:"delay_minutes"`
}

func NewHTTPSource(baseURL string, client *http.Client, maxRetries uint64) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     client,
		maxRetries: maxRetries,
	}
}

func (s *HTTPSource) Delay(ctx context.Context, trainNumber string) (int, error) {
	var minutes int
	op := func() error {
		m, err := s.fetch(ctx, trainNumber)
		if err != nil {
			return err
		}
		minutes = m
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx)); err != nil {
		return 0, err
	}
	return minutes, nil
}

func (s *HTTPSource) fetch(ctx context.Context, trainNumber string) (int, error) {
	u := s.baseURL + "/" + url.PathEscape(trainNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch delay: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, backoff.Permanent(ErrNoData)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return 0, fmt.Errorf("delay service returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return 0, backoff.Permanent(fmt.Errorf("delay service returned status %d", resp.StatusCode))
	}

	var body httpDelayResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, backoff.Permanent(fmt.Errorf("decode delay response: %w", err))
	}
	if body.DelayMinutes == nil {
		return 0, backoff.Permanent(ErrNoData)
	}
	return *body.DelayMinutes, nil
}
