package payout

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/sunupay/sunupay/utils/clients/sira"
	appctx "github.com/sunupay/sunupay/utils/context"
	"github.com/sunupay/sunupay/utils/handlers"
	"github.com/sunupay/sunupay/utils/logging"
)

const advanceFeeRate = "0.05"

var (
	// countSmartPayoutsTotal counts smart payout attempts broken down by routing outcome
	countSmartPayoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smart_payouts_total",
			Help: "count of smart payout attempts ( since last start ) broken down by action",
		},
		[]string{"action"},
	)
)

func init() {
	err := prometheus.Register(countSmartPayoutsTotal)
	if ae, ok := err.(prometheus.AlreadyRegisteredError); ok {
		countSmartPayoutsTotal = ae.ExistingCollector.(*prometheus.CounterVec)
	}
}

// Service contains datastore and sira oracle connections
type Service struct {
	Datastore       Datastore
	oracle          sira.Client
	fallback        sira.Client
	defaultTreasury string
}

// InitService creates a service using the passed datastore and the sira
// client configured from the context; a missing oracle leaves only the
// deterministic fallback
func InitService(ctx context.Context, datastore Datastore) (*Service, error) {
	service := &Service{
		Datastore:       datastore,
		fallback:        sira.NewFallback(),
		defaultTreasury: "treasury-default",
	}

	if treasury, err := appctx.GetStringFromContext(ctx, appctx.DefaultTreasuryCTXKey); err == nil && treasury != "" {
		service.defaultTreasury = treasury
	}

	oracle, err := sira.New(ctx)
	if err == nil {
		service.oracle = oracle
	}
	return service, nil
}

// SmartPayoutRequest is the request body of the smart payout endpoint
type SmartPayoutRequest struct {
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	Currency        string          `json:"currency" valid:"required"`
	Mode            string          `json:"mode"`
}

// SmartPayout routes and creates the payout for one idempotent attempt
func (service *Service) SmartPayout(
	ctx context.Context,
	marketplaceRef string,
	sellerRef string,
	req SmartPayoutRequest,
	idempotencyKey string,
) (*Result, *handlers.AppError) {
	if idempotencyKey == "" {
		return nil, handlers.CodedValidationError("idempotency-key header is required", "missing_idempotency_key", http.StatusBadRequest)
	}
	if !req.RequestedAmount.IsPositive() {
		return nil, handlers.CodedValidationError("requested_amount must be positive", "invalid_amount", http.StatusBadRequest)
	}
	mode := req.Mode
	if mode == "" {
		mode = "auto"
	}
	if mode != "auto" && mode != "instant" && mode != "manual" {
		return nil, handlers.CodedValidationError("mode must be auto, instant or manual", "invalid_mode", http.StatusBadRequest)
	}

	// replay-safe: an attempt already made under this key is returned unchanged
	existing, err := service.Datastore.GetResultByExternalID(ctx, idempotencyKey)
	if err != nil {
		return nil, handlers.WrapError(err, "Error checking idempotency", http.StatusInternalServerError)
	}
	if existing != nil {
		return existing, nil
	}

	seller, err := service.Datastore.GetSeller(ctx, marketplaceRef, sellerRef)
	if err != nil {
		return nil, handlers.WrapError(err, "Error fetching seller", http.StatusInternalServerError)
	}
	if seller == nil {
		return nil, handlers.CodedValidationError("seller not found under marketplace", "seller_not_found", http.StatusNotFound)
	}
	if seller.KYCStatus != "verified" {
		return nil, handlers.CodedValidationError("seller kyc is not verified", "kyc_not_verified", http.StatusForbidden)
	}
	if seller.ActiveHolds > 0 {
		return nil, handlers.CodedValidationError("seller has active holds", "seller_on_hold", http.StatusForbidden)
	}

	rec := service.recommend(ctx, sira.PayoutQuery{
		SellerRef: sellerRef,
		Amount:    req.RequestedAmount,
		Currency:  req.Currency,
		Mode:      mode,
	})

	result, err := service.Datastore.CreateSmartPayout(
		ctx, idempotencyKey, seller, req.Currency, req.RequestedAmount, rec, service.defaultTreasury)
	if errors.Is(err, ErrDuplicateExternalID) {
		// another inserter won the race; the winner's row is the result
		result, err = service.Datastore.GetResultByExternalID(ctx, idempotencyKey)
		if err == nil && result == nil {
			err = errors.New("idempotency row vanished mid-transaction")
		}
	}
	if err != nil {
		return nil, handlers.WrapError(err, "Error creating payout", http.StatusInternalServerError)
	}

	countSmartPayoutsTotal.WithLabelValues(string(rec.RecommendedAction)).Inc()
	return result, nil
}

// recommend consults the oracle, degrading to the deterministic fallback
func (service *Service) recommend(ctx context.Context, query sira.PayoutQuery) *sira.Recommendation {
	if service.oracle != nil {
		rec, err := service.oracle.RecommendPayout(ctx, query)
		if err == nil {
			return rec
		}
		logging.FromContext(ctx).Warn().Err(err).Msg("sira unreachable, using fallback")
	}
	rec, _ := service.fallback.RecommendPayout(ctx, query)
	return rec
}

// AdvanceRequest is the request body of the advance endpoint
type AdvanceRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" valid:"required"`
}

// RequestAdvance creates an advance against future sales
func (service *Service) RequestAdvance(
	ctx context.Context,
	marketplaceRef string,
	sellerRef string,
	req AdvanceRequest,
	idempotencyKey string,
) (*Advance, *handlers.AppError) {
	if idempotencyKey == "" {
		return nil, handlers.CodedValidationError("idempotency-key header is required", "missing_idempotency_key", http.StatusBadRequest)
	}
	if !req.Amount.IsPositive() {
		return nil, handlers.CodedValidationError("amount must be positive", "invalid_amount", http.StatusBadRequest)
	}

	existing, err := service.Datastore.GetAdvanceByExternalID(ctx, idempotencyKey)
	if err != nil {
		return nil, handlers.WrapError(err, "Error checking idempotency", http.StatusInternalServerError)
	}
	if existing != nil {
		return existing, nil
	}

	seller, err := service.Datastore.GetSeller(ctx, marketplaceRef, sellerRef)
	if err != nil {
		return nil, handlers.WrapError(err, "Error fetching seller", http.StatusInternalServerError)
	}
	if seller == nil {
		return nil, handlers.CodedValidationError("seller not found under marketplace", "seller_not_found", http.StatusNotFound)
	}
	if seller.KYCStatus != "verified" {
		return nil, handlers.CodedValidationError("seller kyc is not verified", "kyc_not_verified", http.StatusForbidden)
	}

	available, err := service.Datastore.GetMaxAdvanceAvailable(ctx, sellerRef)
	if err != nil {
		return nil, handlers.WrapError(err, "Error checking advance eligibility", http.StatusInternalServerError)
	}
	if available.LessThan(req.Amount) {
		return nil, handlers.CodedValidationError("requested amount exceeds advance eligibility", "advance_not_eligible", http.StatusForbidden)
	}

	fee := req.Amount.Mul(decimal.RequireFromString(advanceFeeRate))
	advance, err := service.Datastore.InsertAdvance(ctx, &Advance{
		ExternalID: idempotencyKey,
		SellerRef:  sellerRef,
		Amount:     req.Amount,
		Fee:        fee,
		Currency:   req.Currency,
		Schedule:   "future_sales",
		Status:     "requested",
	})
	if errors.Is(err, ErrDuplicateExternalID) {
		advance, err = service.Datastore.GetAdvanceByExternalID(ctx, idempotencyKey)
	}
	if err != nil {
		return nil, handlers.WrapError(err, "Error creating advance", http.StatusInternalServerError)
	}
	return advance, nil
}

// ListPendingSlices returns dispatchable slices in FIFO order
func (service *Service) ListPendingSlices(ctx context.Context, limit int) ([]Slice, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return service.Datastore.ListPendingSlices(ctx, limit)
}
