package payout

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"

	"github.com/sunupay/sunupay/datastore/paystore"
	"github.com/sunupay/sunupay/utils/clients/sira"
)

// Seller is a marketplace seller as the orchestrator sees it
type Seller struct {
	ID             uuid.UUID `db:"id"`
	MarketplaceRef string    `db:"marketplace_ref"`
	SellerRef      string    `db:"seller_ref"`
	KYCStatus      string    `db:"kyc_status"`
	ActiveHolds    int       `db:"active_holds"`
	CreatedAt      time.Time `db:"created_at"`
}

// Parent is the parent payout; immutable once its slices are inserted
type Parent struct {
	ID              uuid.UUID          `db:"id" json:"id"`
	ExternalID      string             `db:"external_id" json:"external_id"`
	Origin          string             `db:"origin" json:"origin"`
	SellerRef       string             `db:"seller_ref" json:"seller_ref"`
	Currency        string             `db:"currency" json:"currency"`
	RequestedAmount decimal.Decimal    `db:"requested_amount" json:"requested_amount"`
	Priority        string             `db:"priority" json:"priority"`
	ReferenceCode   string             `db:"reference_code" json:"reference_code"`
	Metadata        paystore.Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt       time.Time          `db:"created_at" json:"created_at"`
}

// Slice is one payout leg routed through a treasury account
type Slice struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	ParentID          uuid.UUID       `db:"parent_id" json:"parent_id"`
	TreasuryAccountID string          `db:"treasury_account_id" json:"treasury_account_id"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	SliceOrder        int             `db:"slice_order" json:"order"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}

// Recommendation is the persisted sira verdict for one payout attempt
type Recommendation struct {
	ID                uuid.UUID         `db:"id" json:"id"`
	ExternalID        string            `db:"external_id" json:"-"`
	SellerRef         string            `db:"seller_ref" json:"seller_ref"`
	PriorityScore     int               `db:"priority_score" json:"priority_score"`
	RiskScore         int               `db:"risk_score" json:"risk_score"`
	MultiBank         bool              `db:"multi_bank" json:"multi_bank"`
	RecommendedAction string            `db:"recommended_action" json:"recommended_action"`
	TreasuryAccountID string            `db:"treasury_account_id" json:"treasury_account_id,omitempty"`
	Reasons           string            `db:"reasons" json:"reasons,omitempty"`
	ModelVersion      string            `db:"model_version" json:"model_version"`
	Metadata          paystore.Metadata `db:"metadata" json:"metadata,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
}

// Escrow is funds withheld from a seller on sira's verdict
type Escrow struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	RecommendationID uuid.UUID       `db:"recommendation_id" json:"-"`
	SellerRef        string          `db:"seller_ref" json:"seller_ref"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Currency  string          `db:"currency" json:"currency"`
	Reason    string          `db:"reason" json:"reason"`
	RiskScore int             `db:"risk_score" json:"risk_score"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Advance is a requested cash advance against future sales
type Advance struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	ExternalID string          `db:"external_id" json:"external_id"`
	SellerRef  string          `db:"seller_ref" json:"seller_ref"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	Fee        decimal.Decimal `db:"fee" json:"fee"`
	Currency   string          `db:"currency" json:"currency"`
	Schedule   string          `db:"schedule" json:"schedule"`
	Status     string          `db:"status" json:"status"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// Result is the orchestration outcome handed back to the caller
type Result struct {
	Status         string          `json:"status"`
	Parent         *Parent         `json:"parent_payout,omitempty"`
	Slices         []Slice         `json:"slices,omitempty"`
	Escrow         *Escrow         `json:"escrow,omitempty"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
}

// newReferenceCode generates an opaque SPO-<unix_ms>-<8 hex uppercase> code
func newReferenceCode() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("SPO-%d-%s", time.Now().UnixMilli(), strings.ToUpper(hex.EncodeToString(b))), nil
}

// recommendationReasons flattens the oracle reasons for persistence
func recommendationReasons(rec *sira.Recommendation) string {
	return strings.Join(rec.Reasons, ",")
}
