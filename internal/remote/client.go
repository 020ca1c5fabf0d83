// Package remote talks to the sightings/targets service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/missilemap/missilemap-go/internal/targets"
)

const (
	sightingsPath = "/sightings"
	targetsPath   = "/targets"

	// Responses with longer bodies fail with ErrResponseTooLarge.
	maxResponseBytes = 8 << 20
)

// ErrResponseTooLarge is returned when a response body exceeds the limit.
var ErrResponseTooLarge = errors.New("remote: response body too large")

// Sighting is a single report: where the observer stood and which way the
// device was pointing (radians from north, [-π, π]).
type Sighting struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Bearing   float64 `json:"bearing"`
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: %s %s: status %d", e.Method, e.URL, e.Code)
	}
	return fmt.Sprintf("remote: %s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Client is a JSON client for the service.
type Client struct {
	baseURL string
	http    *http.Client
	maxBody int64
}

// NewClient creates a client rooted at baseURL (e.g. "http://10.0.2.2:8000").
// A non-positive timeout defaults to 10 seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		maxBody: maxResponseBytes,
	}
}

// FetchTargets returns the currently identified targets. It satisfies
// targets.FetchFunc.
func (c *Client) FetchTargets(ctx context.Context) ([]targets.Target, error) {
	body, err := c.do(ctx, http.MethodGet, targetsPath, nil)
	if err != nil {
		return nil, err
	}
	return targets.Decode(body)
}

// PostSighting submits a sighting report.
func (c *Client) PostSighting(ctx context.Context, s Sighting) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("remote: encode sighting: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, sightingsPath, payload)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	url := c.baseURL + path

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("remote: read %s: %w", url, err)
	}
	if int64(len(data)) > c.maxBody {
		return nil, fmt.Errorf("%w: %s over %d bytes", ErrResponseTooLarge, url, c.maxBody)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method: method,
			URL:    url,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(data)),
		}
	}
	return data, nil
}
