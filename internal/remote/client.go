// Package remote fetches zone configuration from the remote authority.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sweeney/zone-controller/internal/model"
)

// DefaultTimeout bounds a single request when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.Code, e.Body)
}

// Client is a minimal REST client for one home on the authority.
type Client struct {
	baseURL string
	home    string
	apiKey  string
	client  *http.Client
}

// NewClient constructs a client. apiKey is sent as the api_key query parameter.
func NewClient(baseURL, home, apiKey string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("remote: empty base url")
	}
	if home == "" {
		return nil, errors.New("remote: empty home id")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		home:    home,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Zone fetches the zone record. Devices in the record, if any, are kept.
func (c *Client) Zone(ctx context.Context, zoneID string) (model.Zone, error) {
	var z model.Zone
	if err := c.getJSON(ctx, c.zonePath(zoneID), &z); err != nil {
		return model.Zone{}, err
	}
	return z, nil
}

// Devices fetches the zone's device list.
func (c *Client) Devices(ctx context.Context, zoneID string) ([]model.Device, error) {
	var ds []model.Device
	if err := c.getJSON(ctx, c.zonePath(zoneID)+"/devices", &ds); err != nil {
		return nil, err
	}
	return ds, nil
}

// FetchZone fetches the zone record and its device list as one zone.
func (c *Client) FetchZone(ctx context.Context, zoneID string) (model.Zone, error) {
	z, err := c.Zone(ctx, zoneID)
	if err != nil {
		return model.Zone{}, fmt.Errorf("fetch zone %s: %w", zoneID, err)
	}
	ds, err := c.Devices(ctx, zoneID)
	if err != nil {
		return model.Zone{}, fmt.Errorf("fetch devices of zone %s: %w", zoneID, err)
	}
	if z.ID == "" {
		z.ID = zoneID
	}
	if z.ID != zoneID {
		return model.Zone{}, fmt.Errorf("fetch zone %s: authority returned zone %s", zoneID, z.ID)
	}
	z.Devices = ds
	return z, nil
}

func (c *Client) zonePath(zoneID string) string {
	return "/api/homes/" + url.PathEscape(c.home) + "/zones/" + url.PathEscape(zoneID)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	u := c.baseURL + path
	if c.apiKey != "" {
		u += "?" + url.Values{"api_key": {c.apiKey}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: c.baseURL + path, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
