package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPProber measures backend reachability with a HEAD request and uses
// the round trip as the RTT estimate. Downlink is not measured here; the
// RTT threshold is the practical slow-link tell.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{URL: url, Client: &http.Client{Timeout: 4 * time.Second}}
}

func (p *HTTPProber) Probe(ctx context.Context) (Quality, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return Quality{}, err
	}
	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return Quality{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Quality{}, fmt.Errorf("connectivity: probe status %d", resp.StatusCode)
	}
	return Quality{RTT: time.Since(start)}, nil
}
