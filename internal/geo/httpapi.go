package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/toolshare/toolshare-backend/internal/models"
)

// HTTPResolver queries an ip-api style JSON endpoint. Outbound lookups are
// rate limited and carry a bounded timeout so one slow upstream degrades a
// single lookup, not the whole pipeline.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPResolver creates a resolver for baseURL (e.g. "http://ip-api.com/json").
// ratePerSec/burst bound outbound lookups; timeout bounds each call.
func NewHTTPResolver(baseURL string, ratePerSec float64, burst int, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	if burst <= 0 {
		burst = 1
	}
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

type httpGeoResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	CountryCode string  `json:"countryCode"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Proxy       bool    `json:"proxy"`
	Hosting     bool    `json:"hosting"`
}

func (r *HTTPResolver) Resolve(ctx context.Context, ip string) (*models.GeoLocation, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("geo lookup budget exhausted: %w", err)
	}
	url := fmt.Sprintf("%s/%s?fields=status,message,countryCode,city,lat,lon,proxy,hosting", r.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo lookup returned status %d", resp.StatusCode)
	}
	var body httpGeoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Status != "success" || body.CountryCode == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvable, body.Message)
	}
	return &models.GeoLocation{
		CountryCode: body.CountryCode,
		City:        body.City,
		Latitude:    body.Lat,
		Longitude:   body.Lon,
		IsVPN:       body.Hosting,
		IsProxy:     body.Proxy,
	}, nil
}
