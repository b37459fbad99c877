package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPSource fetches rates from an external JSON endpoint:
//
//	GET {baseURL}?from=NGN&to=USDC  ->  {"rate": 0.000683}
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a rate source with a bounded request timeout.
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *HTTPSource) FetchRate(ctx context.Context, from, to string) (float64, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return 0, fmt.Errorf("invalid rate source url: %w", err)
	}
	q := u.Query()
	q.Set("from", from)
	q.Set("to", to)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("rate source request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rate source returned status %d", resp.StatusCode)
	}

	var body struct {
		Rate float64 `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("failed to decode rate response: %w", err)
	}
	if body.Rate <= 0 {
		return 0, fmt.Errorf("rate source returned non-positive rate %v", body.Rate)
	}
	return body.Rate, nil
}
