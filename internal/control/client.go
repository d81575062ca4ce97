package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client is a thin HTTP client for a Server's API, used by connsysctl.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client against baseURL (e.g. "http://127.0.0.1:8780").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// ListParticipants fetches every known participant, optionally filtered by
// iid (pass 0 for no filter).
func (c *Client) ListParticipants(ctx context.Context, iid uint64) ([]Participant, error) {
	u := c.baseURL + "/v1/participants"
	if iid != 0 {
		u += "?iid=" + url.QueryEscape(fmt.Sprintf("%d", iid))
	}

	var body struct {
		Participants []Participant `json:"participants"`
	}
	if err := c.getJSON(ctx, u, &body); err != nil {
		return nil, err
	}
	return body.Participants, nil
}

// GetParticipant fetches a single participant by its PID string.
func (c *Client) GetParticipant(ctx context.Context, pid string) (Participant, error) {
	var p Participant
	err := c.getJSON(ctx, c.baseURL+"/v1/participants/"+url.PathEscape(pid), &p)
	return p, err
}

// Health checks the daemon's liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	var body map[string]string
	return c.getJSON(ctx, c.baseURL+"/healthz", &body)
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody errorResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&errBody); decErr == nil && errBody.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, errBody.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
