package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// StandsClient is a read-only HTTP client for the stands service, used only
// to denormalize closure impact and cost estimates before chain building.
type StandsClient struct {
	baseURL string
	http    *http.Client
}

// Stand is the subset of the stands API response the workflow reads.
type Stand struct {
	ID               string `json:"id"`
	Code             string `json:"code"`
	ImpactLevel      string `json:"impact_level"`
	ClosureCostCents int64  `json:"closure_cost_cents"`
}

// NewStandsClient creates a stands service client.
func NewStandsClient(baseURL string, timeout time.Duration) *StandsClient {
	return &StandsClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// GetStandImpact returns the closure impact level and denormalized closure
// cost for a stand.
func (c *StandsClient) GetStandImpact(ctx context.Context, organizationID, standID string) (string, int64, error) {
	endpoint := fmt.Sprintf("%s/api/v1/stands/get?id=%s&organization_id=%s",
		c.baseURL, url.QueryEscape(standID), url.QueryEscape(organizationID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build stands request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("call stands service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("stands service returned status %d", resp.StatusCode)
	}

	var stand Stand
	if err := json.NewDecoder(resp.Body).Decode(&stand); err != nil {
		return "", 0, fmt.Errorf("decode stands response: %w", err)
	}

	return stand.ImpactLevel, stand.ClosureCostCents, nil
}
