package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/stocklens/stocklens/pkg/valuation"
)

// PosClient implements the PosBalances interface against the
// point-of-sale HTTP API. Balances are advisory; callers treat any
// failure here as a degraded run, not a fatal one.
type PosClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

var _ valuation.PosBalances = (*PosClient)(nil)

// NewPosClient creates a client for the POS balance API. timeout bounds
// each request on top of whatever deadline the caller's context carries.
func NewPosClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *PosClient {
	return &PosClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// posBalanceResponse is the wire shape of the POS balance endpoint.
type posBalanceResponse struct {
	Balances []struct {
		EAN      string `json:"ean"`
		Quantity int64  `json:"quantity"`
	} `json:"balances"`
}

// FetchBalances returns the POS on-hand quantity per EAN for the
// company.
func (c *PosClient) FetchBalances(ctx context.Context, company string) (map[string]int64, error) {
	url := fmt.Sprintf("%s/v1/companies/%s/balances", c.baseURL, company)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build balance request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", valuation.ErrPosUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", valuation.ErrPosUnavailable, resp.StatusCode)
	}

	var payload posBalanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", valuation.ErrPosUnavailable, err)
	}

	balances := make(map[string]int64, len(payload.Balances))
	for _, b := range payload.Balances {
		if b.EAN == "" {
			continue
		}
		// Duplicate EAN rows from multiple registers sum up.
		balances[b.EAN] += b.Quantity
	}

	c.logger.Debug("pos balances fetched",
		zap.String("company", company),
		zap.Int("eans", len(balances)),
	)

	return balances, nil
}
