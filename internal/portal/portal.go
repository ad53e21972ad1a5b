// Package portal looks up hosted item service URLs on an ArcGIS Portal or
// ArcGIS Online organization through the sharing REST search endpoint.
package portal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"gistools/internal/metrics"
)

// Client searches one portal. Token is optional; anonymous searches only see
// public items.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient returns a client for the portal at baseURL
// (e.g. https://www.arcgis.com or https://gis.example.org/portal).
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ItemURL returns the service URL of the first item titled title and owned
// by owner. found is false when the search has no results.
func (c *Client) ItemURL(ctx context.Context, title, owner string) (u string, found bool, err error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("title:%q owner:%s", title, owner))
	q.Set("num", "1")
	q.Set("f", "json")
	if c.Token != "" {
		q.Set("token", c.Token)
	}
	endpoint := c.BaseURL + "/sharing/rest/search?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false, fmt.Errorf("portal: create request: %w", err)
	}
	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		metrics.RecordHTTP(0, start, err)
		return "", false, fmt.Errorf("portal: search %q: %w", title, err)
	}
	defer resp.Body.Close()
	metrics.RecordHTTP(resp.StatusCode, start, nil)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("portal: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("portal: search %q: status %d: %s", title, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if !gjson.ValidBytes(body) {
		return "", false, fmt.Errorf("portal: search %q: response is not JSON", title)
	}
	// The REST API reports failures such as an expired token inside a 200.
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return "", false, fmt.Errorf("portal: search %q: %s (code %d)", title, msg.String(), gjson.GetBytes(body, "error.code").Int())
	}
	first := gjson.GetBytes(body, "results.0")
	if !first.Exists() {
		return "", false, nil
	}
	return first.Get("url").String(), true, nil
}

// Lookup is the outcome of LayerURLs.
type Lookup struct {
	// URLs are in the order of the requested titles.
	URLs    []string
	Missing []string
}

// LayerURLs resolves each title for owner. A title with no match is recorded
// in Missing; any request or portal error stops the lookup.
func (c *Client) LayerURLs(ctx context.Context, owner string, titles []string) (*Lookup, error) {
	out := &Lookup{}
	for _, t := range titles {
		u, found, err := c.ItemURL(ctx, t, owner)
		if err != nil {
			return out, err
		}
		if !found {
			out.Missing = append(out.Missing, t)
			continue
		}
		out.URLs = append(out.URLs, u)
	}
	return out, nil
}
