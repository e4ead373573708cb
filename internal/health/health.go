package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const defaultProbeTimeout = time.Second

// Prober issues a single readiness probe against an HTTP endpoint.
type Prober struct {
	URL    string
	client *http.Client
}

func NewProber(url string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Prober{
		URL: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{Proxy: nil, DisableKeepAlives: true},
		},
	}
}

// Probe succeeds on any 2xx or 3xx answer.
func (p *Prober) Probe(ctx context.Context) (err error) {
	if p == nil || p.URL == "" {
		return errors.New("probe url not configured")
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("probe panic: %v", recovered)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return nil
	}
	return fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
}
