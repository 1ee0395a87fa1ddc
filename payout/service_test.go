package payout

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"testing"

	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/sunupay/sunupay/utils/clients/sira"
)

type ServiceTestSuite struct {
	suite.Suite
	store   *fakeDatastore
	service *Service
}

func TestServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

// fakeDatastore keeps payout attempts in memory keyed by external id,
// mirroring the transactional branch the real store takes
type fakeDatastore struct {
	Datastore
	sellers  map[string]*Seller
	results  map[string]*Result
	advances map[string]*Advance
	maxAdv   decimal.Decimal
	creates  int
}

func (f *fakeDatastore) GetSeller(ctx context.Context, marketplaceRef, sellerRef string) (*Seller, error) {
	return f.sellers[marketplaceRef+"/"+sellerRef], nil
}

func (f *fakeDatastore) GetResultByExternalID(ctx context.Context, externalID string) (*Result, error) {
	return f.results[externalID], nil
}

func (f *fakeDatastore) CreateSmartPayout(ctx context.Context, externalID string, seller *Seller, currency string, amount decimal.Decimal, rec *sira.Recommendation, defaultTreasury string) (*Result, error) {
	if _, ok := f.results[externalID]; ok {
		return nil, ErrDuplicateExternalID
	}
	f.creates++

	stored := &Recommendation{
		ID:                uuid.NewV4(),
		ExternalID:        externalID,
		SellerRef:         rec.SellerRef,
		PriorityScore:     rec.PriorityScore,
		RiskScore:         rec.RiskScore,
		MultiBank:         rec.MultiBank,
		RecommendedAction: string(rec.RecommendedAction),
	}
	result := &Result{Recommendation: stored}

	if rec.RecommendedAction == sira.ActionHold || rec.RecommendedAction == sira.ActionEscrow {
		result.Status = "held"
		result.Escrow = &Escrow{
			RecommendationID: stored.ID,
			SellerRef:        seller.SellerRef,
			Amount:           amount,
			Currency:         currency,
			Reason:           "sira_risk_hold",
			RiskScore:        rec.RiskScore,
		}
		f.results[externalID] = result
		return result, nil
	}

	priority := "normal"
	if rec.PriorityScore >= 85 {
		priority = "priority"
	}
	referenceCode, err := newReferenceCode()
	if err != nil {
		return nil, err
	}
	result.Status = "created"
	result.Parent = &Parent{
		ID:              uuid.NewV4(),
		ExternalID:      externalID,
		Origin:          "smart_payout",
		SellerRef:       seller.SellerRef,
		Currency:        currency,
		RequestedAmount: amount,
		Priority:        priority,
		ReferenceCode:   referenceCode,
	}

	legs := rec.Slices
	if !rec.MultiBank || len(legs) == 0 {
		legs = []sira.Slice{{TreasuryAccountID: defaultTreasury, Amount: amount, Order: 1}}
	}
	for _, leg := range legs {
		treasury := leg.TreasuryAccountID
		if treasury == "" {
			treasury = defaultTreasury
		}
		result.Slices = append(result.Slices, Slice{
			ID:                uuid.NewV4(),
			ParentID:          result.Parent.ID,
			TreasuryAccountID: treasury,
			Amount:            leg.Amount,
			SliceOrder:        leg.Order,
		})
	}
	f.results[externalID] = result
	return result, nil
}

func (f *fakeDatastore) GetAdvanceByExternalID(ctx context.Context, externalID string) (*Advance, error) {
	return f.advances[externalID], nil
}

func (f *fakeDatastore) GetMaxAdvanceAvailable(ctx context.Context, sellerRef string) (decimal.Decimal, error) {
	return f.maxAdv, nil
}

func (f *fakeDatastore) InsertAdvance(ctx context.Context, advance *Advance) (*Advance, error) {
	if _, ok := f.advances[advance.ExternalID]; ok {
		return nil, ErrDuplicateExternalID
	}
	advance.ID = uuid.NewV4()
	f.advances[advance.ExternalID] = advance
	return advance, nil
}

// holdOracle always recommends withholding the payout
type holdOracle struct{}

func (holdOracle) RecommendPayout(ctx context.Context, query sira.PayoutQuery) (*sira.Recommendation, error) {
	return &sira.Recommendation{
		SellerRef:         query.SellerRef,
		PriorityScore:     40,
		RiskScore:         80,
		RecommendedAction: sira.ActionHold,
		Reasons:           []string{"velocity_spike"},
		ModelVersion:      "sira-v7",
	}, nil
}

// downOracle simulates an unreachable oracle
type downOracle struct{}

func (downOracle) RecommendPayout(ctx context.Context, query sira.PayoutQuery) (*sira.Recommendation, error) {
	return nil, errors.New("connection refused")
}

func (suite *ServiceTestSuite) SetupTest() {
	suite.store = &fakeDatastore{
		sellers: map[string]*Seller{
			"mk-1/seller-1": {
				ID:             uuid.NewV4(),
				MarketplaceRef: "mk-1",
				SellerRef:      "seller-1",
				KYCStatus:      "verified",
			},
			"mk-1/seller-kyc": {
				MarketplaceRef: "mk-1",
				SellerRef:      "seller-kyc",
				KYCStatus:      "pending",
			},
			"mk-1/seller-held": {
				MarketplaceRef: "mk-1",
				SellerRef:      "seller-held",
				KYCStatus:      "verified",
				ActiveHolds:    1,
			},
		},
		results:  map[string]*Result{},
		advances: map[string]*Advance{},
		maxAdv:   decimal.NewFromInt(50000),
	}
	suite.service = &Service{
		Datastore:       suite.store,
		fallback:        sira.NewFallback(),
		defaultTreasury: "treasury-default",
	}
}

func (suite *ServiceTestSuite) TestSmartPayoutHold() {
	suite.service.oracle = holdOracle{}

	result, appErr := suite.service.SmartPayout(
		context.Background(), "mk-1", "seller-1",
		SmartPayoutRequest{RequestedAmount: decimal.NewFromInt(75000), Currency: "USD"},
		"key-hold-1",
	)
	suite.Require().Nil(appErr)

	suite.Assert().Equal("held", result.Status)
	suite.Assert().Nil(result.Parent)
	suite.Assert().Empty(result.Slices)
	suite.Require().NotNil(result.Escrow)
	suite.Assert().Equal("sira_risk_hold", result.Escrow.Reason)
	suite.Assert().True(result.Escrow.Amount.Equal(decimal.NewFromInt(75000)))
	suite.Assert().Equal(80, result.Escrow.RiskScore)
	suite.Require().NotNil(result.Recommendation)
	suite.Assert().Equal("hold", result.Recommendation.RecommendedAction)
}

func (suite *ServiceTestSuite) TestSmartPayoutMultiBankFallback() {
	suite.service.oracle = downOracle{}

	result, appErr := suite.service.SmartPayout(
		context.Background(), "mk-1", "seller-1",
		SmartPayoutRequest{RequestedAmount: decimal.NewFromInt(120000), Currency: "XOF"},
		"key-multi-1",
	)
	suite.Require().Nil(appErr)

	suite.Assert().Equal("created", result.Status)
	suite.Require().NotNil(result.Parent)
	suite.Assert().True(result.Parent.RequestedAmount.Equal(decimal.NewFromInt(120000)))
	suite.Assert().Equal("normal", result.Parent.Priority)
	suite.Assert().Regexp(regexp.MustCompile(`^SPO-\d+-[0-9A-F]{8}$`), result.Parent.ReferenceCode)

	suite.Require().Len(result.Slices, 3)
	sum := decimal.Zero
	for i, slice := range result.Slices {
		suite.Assert().Equal(i+1, slice.SliceOrder)
		suite.Assert().Equal("treasury-default", slice.TreasuryAccountID)
		sum = sum.Add(slice.Amount)
	}
	suite.Assert().True(sum.Equal(decimal.NewFromInt(120000)))
}

func (suite *ServiceTestSuite) TestSmartPayoutIdempotentReplay() {
	req := SmartPayoutRequest{RequestedAmount: decimal.NewFromInt(500), Currency: "XOF"}

	first, appErr := suite.service.SmartPayout(context.Background(), "mk-1", "seller-1", req, "key-replay")
	suite.Require().Nil(appErr)
	second, appErr := suite.service.SmartPayout(context.Background(), "mk-1", "seller-1", req, "key-replay")
	suite.Require().Nil(appErr)

	suite.Assert().Equal(first.Parent.ID, second.Parent.ID)
	suite.Assert().Equal(first.Parent.ReferenceCode, second.Parent.ReferenceCode)
	suite.Assert().Len(second.Slices, len(first.Slices))
	suite.Assert().Equal(1, suite.store.creates, "replay must not create a second payout")
}

func (suite *ServiceTestSuite) TestSmartPayoutPreconditions() {
	amount := SmartPayoutRequest{RequestedAmount: decimal.NewFromInt(100), Currency: "XOF"}

	_, appErr := suite.service.SmartPayout(context.Background(), "mk-1", "seller-1", amount, "")
	suite.Require().NotNil(appErr)
	suite.Assert().Equal(http.StatusBadRequest, appErr.Code)

	_, appErr = suite.service.SmartPayout(context.Background(), "mk-1", "missing", amount, "key-a")
	suite.Require().NotNil(appErr)
	suite.Assert().Equal(http.StatusNotFound, appErr.Code)

	_, appErr = suite.service.SmartPayout(context.Background(), "mk-1", "seller-kyc", amount, "key-b")
	suite.Require().NotNil(appErr)
	suite.Assert().Equal(http.StatusForbidden, appErr.Code)

	_, appErr = suite.service.SmartPayout(context.Background(), "mk-1", "seller-held", amount, "key-c")
	suite.Require().NotNil(appErr)
	suite.Assert().Equal(http.StatusForbidden, appErr.Code)

	_, appErr = suite.service.SmartPayout(context.Background(), "mk-1", "seller-1",
		SmartPayoutRequest{RequestedAmount: decimal.NewFromInt(-5), Currency: "XOF"}, "key-d")
	suite.Require().NotNil(appErr)
	suite.Assert().Equal(http.StatusBadRequest, appErr.Code)
}

func (suite *ServiceTestSuite) TestRequestAdvance() {
	advance, appErr := suite.service.RequestAdvance(
		context.Background(), "mk-1", "seller-1",
		AdvanceRequest{Amount: decimal.NewFromInt(10000), Currency: "XOF"},
		"adv-1",
	)
	suite.Require().Nil(appErr)

	suite.Assert().True(advance.Fee.Equal(decimal.RequireFromString("500")))
	suite.Assert().Equal("future_sales", advance.Schedule)
	suite.Assert().Equal("requested", advance.Status)

	// over the eligibility ceiling
	_, appErr = suite.service.RequestAdvance(
		context.Background(), "mk-1", "seller-1",
		AdvanceRequest{Amount: decimal.NewFromInt(60000), Currency: "XOF"},
		"adv-2",
	)
	suite.Require().NotNil(appErr)
	suite.Assert().Equal(http.StatusForbidden, appErr.Code)

	// replay returns the original row
	replay, appErr := suite.service.RequestAdvance(
		context.Background(), "mk-1", "seller-1",
		AdvanceRequest{Amount: decimal.NewFromInt(10000), Currency: "XOF"},
		"adv-1",
	)
	suite.Require().Nil(appErr)
	suite.Assert().Equal(advance.ID, replay.ID)
}
