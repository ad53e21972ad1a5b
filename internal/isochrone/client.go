// Package isochrone builds travel-time and travel-distance polygons around a
// line by sampling points along it and calling the openrouteservice
// isochrones API.
package isochrone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/time/rate"

	"gistools/internal/metrics"
)

const (
	// DefaultBaseURL is the hosted API. A local install is typically
	// http://localhost:8080/ors.
	DefaultBaseURL = "https://api.openrouteservice.org"

	// MaxLocations is the most origins one request may carry.
	MaxLocations = 5

	// DefaultPerMinute keeps the hosted API under its 20 requests/minute quota.
	DefaultPerMinute = 20

	MetersPerMile = 1609.34
)

// Profiles are the supported travel modes.
var Profiles = []string{"driving-car", "foot-walking", "cycling-regular"}

// Range types.
const (
	RangeTime     = "time"
	RangeDistance = "distance"
)

// RangeFor converts a user range into API units: minutes to seconds for
// time, miles to meters for distance.
func RangeFor(kind string, v float64) (float64, error) {
	switch kind {
	case RangeTime:
		return v * 60, nil
	case RangeDistance:
		return v * MetersPerMile, nil
	default:
		return 0, fmt.Errorf("isochrone: range type must be %q or %q, got %q", RangeTime, RangeDistance, kind)
	}
}

// ValidProfile reports whether p is a supported travel mode.
func ValidProfile(p string) bool {
	for _, x := range Profiles {
		if x == p {
			return true
		}
	}
	return false
}

// ReadKey returns the first line of a key file.
func ReadKey(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("isochrone: read key: %w", err)
	}
	line, _, _ := strings.Cut(string(b), "\n")
	key := strings.TrimSpace(line)
	if key == "" {
		return "", fmt.Errorf("isochrone: key file %s is empty", path)
	}
	return key, nil
}

// Request is one isochrones call. Locations are lon/lat.
type Request struct {
	Profile   string
	Locations []orb.Point
	Range     []float64
	RangeType string
}

type requestBody struct {
	Locations [][2]float64 `json:"locations"`
	Range     []float64    `json:"range"`
	RangeType string       `json:"range_type"`
}

// Client calls the isochrones endpoint. Requests are paced by Limiter;
// nothing is retried.
type Client struct {
	BaseURL string
	Key     string
	HTTP    *http.Client
	Limiter *rate.Limiter
}

// NewClient returns a client pacing calls to perMinute (DefaultPerMinute
// when <= 0).
func NewClient(baseURL, key string, perMinute int) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Key:     key,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		Limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

// Isochrones posts r and returns the polygons. A non-2xx answer is an error
// carrying the raw response body.
func (c *Client) Isochrones(ctx context.Context, r Request) (*geojson.FeatureCollection, error) {
	if !ValidProfile(r.Profile) {
		return nil, fmt.Errorf("isochrone: unknown profile %q (want one of %s)", r.Profile, strings.Join(Profiles, ", "))
	}
	if n := len(r.Locations); n == 0 || n > MaxLocations {
		return nil, fmt.Errorf("isochrone: %d locations per request, want 1 to %d", n, MaxLocations)
	}
	body := requestBody{Range: r.Range, RangeType: r.RangeType}
	for _, p := range r.Locations {
		body.Locations = append(body.Locations, [2]float64{p[0], p[1]})
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("isochrone: encode request: %w", err)
	}

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := c.BaseURL + "/v2/isochrones/" + r.Profile
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("isochrone: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/geo+json; charset=utf-8")
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", c.Key)

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		metrics.RecordHTTP(0, start, err)
		return nil, fmt.Errorf("isochrone: post %s: %w", u, err)
	}
	defer resp.Body.Close()
	metrics.RecordHTTP(resp.StatusCode, start, nil)

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("isochrone: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("isochrone: %s: status %d: %s", u, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	fc, err := geojson.UnmarshalFeatureCollection(b)
	if err != nil {
		return nil, fmt.Errorf("isochrone: decode response: %w", err)
	}
	return fc, nil
}
