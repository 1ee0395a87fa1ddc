package payout

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/sunupay/sunupay/datastore/paystore"
	"github.com/sunupay/sunupay/utils/clients/sira"
)

var (
	// ErrDuplicateExternalID - another inserter won the idempotency race
	ErrDuplicateExternalID = errors.New("payout: duplicate external id")
)

// Datastore abstracts over the underlying datastore
type Datastore interface {
	paystore.Datastore
	// GetSeller under the marketplace, nil when unknown
	GetSeller(ctx context.Context, marketplaceRef, sellerRef string) (*Seller, error)
	// GetResultByExternalID rehydrates a previous attempt for idempotent replay
	GetResultByExternalID(ctx context.Context, externalID string) (*Result, error)
	// CreateSmartPayout atomically persists the recommendation and either
	// the escrow or the parent plus its complete slice set
	CreateSmartPayout(ctx context.Context, externalID string, seller *Seller, currency string, amount decimal.Decimal, rec *sira.Recommendation, defaultTreasury string) (*Result, error)
	// GetAdvanceByExternalID for idempotent replay
	GetAdvanceByExternalID(ctx context.Context, externalID string) (*Advance, error)
	// GetMaxAdvanceAvailable from the eligibility projection
	GetMaxAdvanceAvailable(ctx context.Context, sellerRef string) (decimal.Decimal, error)
	// InsertAdvance creates the advance record
	InsertAdvance(ctx context.Context, advance *Advance) (*Advance, error)
	// ListPendingSlices returns dispatchable slices in FIFO order
	ListPendingSlices(ctx context.Context, limit int) ([]Slice, error)
}

// Postgres is a Datastore wrapper around a postgres database
type Postgres struct {
	paystore.Postgres
}

// NewPostgres creates a new Postgres Datastore
func NewPostgres(databaseURL string, performMigration bool) (*Postgres, error) {
	pg, err := paystore.NewPostgres(databaseURL, performMigration)
	if pg != nil {
		return &Postgres{*pg}, err
	}
	return nil, err
}

// GetSeller under the marketplace, nil when unknown
func (pg *Postgres) GetSeller(ctx context.Context, marketplaceRef, sellerRef string) (*Seller, error) {
	statement := `
	select s.id, s.marketplace_ref, s.seller_ref, s.kyc_status, s.created_at,
		( select count(*) from seller_holds h
		  where h.seller_ref = s.seller_ref and h.status = 'active' ) as active_holds
	from sellers s
	where s.marketplace_ref = $1 and s.seller_ref = $2`
	sellers := []Seller{}
	err := pg.RawDB().SelectContext(ctx, &sellers, statement, marketplaceRef, sellerRef)
	if err != nil {
		return nil, err
	}
	if len(sellers) > 0 {
		return &sellers[0], nil
	}
	return nil, nil
}

// GetResultByExternalID rehydrates a previous attempt for idempotent replay
func (pg *Postgres) GetResultByExternalID(ctx context.Context, externalID string) (*Result, error) {
	recs := []Recommendation{}
	err := pg.RawDB().SelectContext(ctx, &recs,
		`select * from sira_recommendations where external_id = $1`, externalID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	rec := recs[0]

	result := &Result{Recommendation: &rec}

	if rec.RecommendedAction == string(sira.ActionHold) || rec.RecommendedAction == string(sira.ActionEscrow) {
		// the recommendation decides the status; the escrow row is detail
		result.Status = "held"
		escrows := []Escrow{}
		err = pg.RawDB().SelectContext(ctx, &escrows,
			`select * from seller_escrows where recommendation_id = $1`, rec.ID)
		if err != nil {
			return nil, err
		}
		if len(escrows) > 0 {
			result.Escrow = &escrows[0]
		}
		return result, nil
	}

	parents := []Parent{}
	err = pg.RawDB().SelectContext(ctx, &parents,
		`select * from payout_parents where external_id = $1`, externalID)
	if err != nil {
		return nil, err
	}
	if len(parents) == 0 {
		return nil, nil
	}
	result.Status = "created"
	result.Parent = &parents[0]

	slices := []Slice{}
	err = pg.RawDB().SelectContext(ctx, &slices,
		`select * from payout_slices where parent_id = $1 order by slice_order`, result.Parent.ID)
	if err != nil {
		return nil, err
	}
	result.Slices = slices
	return result, nil
}

// CreateSmartPayout atomically persists the recommendation and either the
// escrow or the parent plus its complete slice set. External observers
// never see a parent without its slices.
func (pg *Postgres) CreateSmartPayout(
	ctx context.Context,
	externalID string,
	seller *Seller,
	currency string,
	amount decimal.Decimal,
	rec *sira.Recommendation,
	defaultTreasury string,
) (*Result, error) {
	tx, err := pg.RawDB().BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer pg.RollbackTx(tx)

	stored := Recommendation{}
	err = tx.GetContext(ctx, &stored, `
	insert into sira_recommendations
		(external_id, seller_ref, priority_score, risk_score, multi_bank,
		 recommended_action, treasury_account_id, reasons, model_version)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	returning *`,
		externalID, rec.SellerRef, rec.PriorityScore, rec.RiskScore, rec.MultiBank,
		string(rec.RecommendedAction), rec.TreasuryAccountID, recommendationReasons(rec),
		rec.ModelVersion,
	)
	if err != nil {
		return nil, asDuplicateErr(err)
	}

	result := &Result{Recommendation: &stored}

	if rec.RecommendedAction == sira.ActionHold || rec.RecommendedAction == sira.ActionEscrow {
		escrow := Escrow{}
		err = tx.GetContext(ctx, &escrow, `
		insert into seller_escrows (recommendation_id, seller_ref, amount, currency, reason, risk_score)
		values ($1, $2, $3, $4, $5, $6)
		returning *`,
			stored.ID, seller.SellerRef, amount, currency, "sira_risk_hold", rec.RiskScore,
		)
		if err != nil {
			return nil, err
		}
		result.Status = "held"
		result.Escrow = &escrow
		return result, tx.Commit()
	}

	priority := "normal"
	if rec.PriorityScore >= 85 {
		priority = "priority"
	}
	referenceCode, err := newReferenceCode()
	if err != nil {
		return nil, err
	}

	parent := Parent{}
	err = tx.GetContext(ctx, &parent, `
	insert into payout_parents
		(external_id, origin, seller_ref, currency, requested_amount, priority, reference_code)
	values ($1, 'smart_payout', $2, $3, $4, $5, $6)
	returning *`,
		externalID, seller.SellerRef, currency, amount, priority, referenceCode,
	)
	if err != nil {
		return nil, asDuplicateErr(err)
	}
	result.Status = "created"
	result.Parent = &parent

	legs := rec.Slices
	if !rec.MultiBank || len(legs) == 0 {
		treasury := rec.TreasuryAccountID
		if treasury == "" {
			treasury = defaultTreasury
		}
		legs = []sira.Slice{{TreasuryAccountID: treasury, Amount: amount, Order: 1}}
	}

	for _, leg := range legs {
		treasury := leg.TreasuryAccountID
		if treasury == "" {
			treasury = defaultTreasury
		}
		slice := Slice{}
		err = tx.GetContext(ctx, &slice, `
		insert into payout_slices (parent_id, treasury_account_id, amount, slice_order)
		values ($1, $2, $3, $4)
		returning *`,
			parent.ID, treasury, leg.Amount, leg.Order,
		)
		if err != nil {
			return nil, err
		}
		result.Slices = append(result.Slices, slice)
	}

	return result, tx.Commit()
}

// GetAdvanceByExternalID for idempotent replay
func (pg *Postgres) GetAdvanceByExternalID(ctx context.Context, externalID string) (*Advance, error) {
	advances := []Advance{}
	err := pg.RawDB().SelectContext(ctx, &advances,
		`select * from seller_advances where external_id = $1`, externalID)
	if err != nil {
		return nil, err
	}
	if len(advances) > 0 {
		return &advances[0], nil
	}
	return nil, nil
}

// GetMaxAdvanceAvailable from the eligibility projection
func (pg *Postgres) GetMaxAdvanceAvailable(ctx context.Context, sellerRef string) (decimal.Decimal, error) {
	var max decimal.Decimal
	err := pg.RawDB().GetContext(ctx, &max,
		`select max_advance_available from seller_advance_eligibility where seller_ref = $1`, sellerRef)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return max, nil
}

// InsertAdvance creates the advance record
func (pg *Postgres) InsertAdvance(ctx context.Context, advance *Advance) (*Advance, error) {
	stored := Advance{}
	err := pg.RawDB().GetContext(ctx, &stored, `
	insert into seller_advances (external_id, seller_ref, amount, fee, currency, schedule, status)
	values ($1, $2, $3, $4, $5, $6, $7)
	returning *`,
		advance.ExternalID, advance.SellerRef, advance.Amount, advance.Fee,
		advance.Currency, advance.Schedule, advance.Status,
	)
	if err != nil {
		return nil, asDuplicateErr(err)
	}
	return &stored, nil
}

// ListPendingSlices returns dispatchable slices in FIFO order
func (pg *Postgres) ListPendingSlices(ctx context.Context, limit int) ([]Slice, error) {
	slices := []Slice{}
	err := pg.RawDB().SelectContext(ctx, &slices,
		`select id, parent_id, treasury_account_id, amount, slice_order, created_at
		 from active_payout_slices
		 order by created_at, slice_order
		 limit $1`, limit)
	if err != nil {
		return nil, err
	}
	return slices, nil
}

// asDuplicateErr maps a postgres unique violation to ErrDuplicateExternalID
func asDuplicateErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateExternalID
	}
	return err
}
