package sira

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sunupay/sunupay/utils/clients"
	appctx "github.com/sunupay/sunupay/utils/context"
)

// Action is a routing action recommended by sira
type Action string

const (
	// ActionInstant - pay out immediately through a single treasury account
	ActionInstant Action = "instant"
	// ActionBatch - queue the payout for the next settlement batch
	ActionBatch Action = "batch"
	// ActionHold - withhold the funds pending review
	ActionHold Action = "hold"
	// ActionEscrow - move the funds to escrow
	ActionEscrow Action = "escrow"
	// ActionAdvance - the seller qualifies for an advance
	ActionAdvance Action = "advance"
)

// Slice is one recommended payout leg
type Slice struct {
	TreasuryAccountID string          `json:"treasury_account_id"`
	Amount            decimal.Decimal `json:"amount"`
	Order             int             `json:"order"`
}

// Recommendation is the sira verdict for one payout attempt
type Recommendation struct {
	SellerRef         string   `json:"seller_ref"`
	PriorityScore     int      `json:"priority_score"`
	RiskScore         int      `json:"risk_score"`
	MultiBank         bool     `json:"multi_bank"`
	RecommendedAction Action   `json:"recommended_action"`
	Slices            []Slice  `json:"slices,omitempty"`
	TreasuryAccountID string   `json:"treasury_account_id,omitempty"`
	Reasons           []string `json:"reasons,omitempty"`
	ModelVersion      string   `json:"model_version"`
}

// PayoutQuery describes the payout attempt being scored
type PayoutQuery struct {
	SellerRef string          `json:"seller_ref"`
	Amount    decimal.Decimal `json:"requested_amount"`
	Currency  string          `json:"currency"`
	Mode      string          `json:"mode"`
}

// Client abstracts over the underlying sira oracle
type Client interface {
	RecommendPayout(ctx context.Context, query PayoutQuery) (*Recommendation, error)
}

// HTTPClient wraps http.Client for interacting with the sira server
type HTTPClient struct {
	client *clients.SimpleHTTPClient
}

// New returns a new sira Client, retrieving the base URL from the context
func New(ctx context.Context) (Client, error) {
	serverURL, err := appctx.GetStringFromContext(ctx, appctx.SiraServerCTXKey)
	if err != nil || len(serverURL) == 0 {
		return nil, errors.New("SIRA_SERVER was empty")
	}
	token, _ := appctx.GetStringFromContext(ctx, appctx.SiraTokenCTXKey)

	client, err := clients.NewWithTimeout(serverURL, token, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{client}, nil
}

// RecommendPayout asks sira to score and route the payout attempt
func (c *HTTPClient) RecommendPayout(ctx context.Context, query PayoutQuery) (*Recommendation, error) {
	req, err := c.client.NewRequest(ctx, "POST", "v1/recommendations/payout", &query)
	if err != nil {
		return nil, err
	}

	var resp Recommendation
	_, err = c.client.Do(ctx, req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
