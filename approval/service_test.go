package approval

import (
	"context"
	"net/http"
	"testing"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/suite"

	"github.com/sunupay/sunupay/datastore/paystore"
)

type ServiceTestSuite struct {
	suite.Suite
	store   *fakeDatastore
	service *Service
}

func TestServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

// fakeDatastore mirrors the transactional state machine in memory so the
// service mapping and the transition sequence can be asserted without a db
type fakeDatastore struct {
	Datastore
	policies   map[uuid.UUID]*Policy
	requests   map[uuid.UUID]*Request
	signatures map[uuid.UUID][]Signature
}

func newFakeDatastore() *fakeDatastore {
	return &fakeDatastore{
		policies:   map[uuid.UUID]*Policy{},
		requests:   map[uuid.UUID]*Request{},
		signatures: map[uuid.UUID][]Signature{},
	}
}

func (f *fakeDatastore) GetPolicy(ctx context.Context, id uuid.UUID) (*Policy, error) {
	return f.policies[id], nil
}

func (f *fakeDatastore) CreateRequest(ctx context.Context, requestType, referenceID string, policy *Policy, metadata paystore.Metadata) (*Request, error) {
	request := &Request{
		ID:                uuid.NewV4(),
		RequestType:       requestType,
		ReferenceID:       paystore.NewNullString(referenceID),
		PolicyID:          policy.ID,
		Status:            StatusOpen,
		RequiredThreshold: policy.RequiredSignatures,
		ExpiresAt:         time.Now().Add(time.Duration(policy.TTLSeconds) * time.Second),
		Metadata:          metadata,
	}
	f.requests[request.ID] = request
	return request, nil
}

func (f *fakeDatastore) GetRequest(ctx context.Context, id uuid.UUID) (*Request, error) {
	return f.requests[id], nil
}

func (f *fakeDatastore) ListSignatures(ctx context.Context, id uuid.UUID) ([]Signature, error) {
	return f.signatures[id], nil
}

func (f *fakeDatastore) SignRequest(ctx context.Context, id uuid.UUID, signer string, signerRoles []string, comment string) (*SignOutcome, error) {
	request, ok := f.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if !request.Signable() {
		return nil, ErrRequestNotSignable
	}
	if time.Now().After(request.ExpiresAt) {
		return nil, ErrRequestExpired
	}
	policy := f.policies[request.PolicyID]
	if !rolesIntersect(signerRoles, policy.AllowedRoles) {
		return nil, ErrRoleNotAllowed
	}
	for _, existing := range f.signatures[id] {
		if existing.Signer == signer {
			return nil, ErrDuplicateSigner
		}
	}

	signature := Signature{
		ID:          uuid.NewV4(),
		RequestID:   id,
		Signer:      signer,
		SignerRoles: signerRoles,
		Comment:     paystore.NewNullString(comment),
	}
	f.signatures[id] = append(f.signatures[id], signature)
	request.SignatureCount = len(f.signatures[id])

	newlyApproved := false
	if request.SignatureCount >= request.RequiredThreshold {
		request.Status = StatusApproved
		newlyApproved = true
	} else {
		request.Status = StatusPartiallyApproved
	}
	request.UpdatedAt = time.Now()

	return &SignOutcome{Request: request, Signature: &signature, NewlyApproved: newlyApproved}, nil
}

func (f *fakeDatastore) RejectRequest(ctx context.Context, id uuid.UUID, signer, reason string) (*Request, error) {
	request, ok := f.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if !request.Signable() {
		return nil, ErrRequestNotSignable
	}
	request.Status = StatusRejected
	request.UpdatedAt = time.Now()
	return request, nil
}

func (f *fakeDatastore) ExpireRequests(ctx context.Context, now time.Time) ([]Request, error) {
	var expired []Request
	for _, request := range f.requests {
		if request.Signable() && now.After(request.ExpiresAt) {
			request.Status = StatusExpired
			request.UpdatedAt = now
			expired = append(expired, *request)
		}
	}
	return expired, nil
}

func (suite *ServiceTestSuite) SetupTest() {
	suite.store = newFakeDatastore()
	suite.service = &Service{Datastore: suite.store}
}

func (suite *ServiceTestSuite) createPolicy(required int, ttl int64) *Policy {
	policy := &Policy{
		ID:                 uuid.NewV4(),
		Name:               "treasury_change",
		RequiredSignatures: required,
		AllowedRoles:       []string{"pay_admin", "fraud_ops"},
		TTLSeconds:         ttl,
	}
	suite.store.policies[policy.ID] = policy
	return policy
}

func (suite *ServiceTestSuite) createRequest(policy *Policy) *Request {
	request, appErr := suite.service.Create(context.Background(), CreateRequestPayload{
		RequestType: "treasury_change",
		ReferenceID: "action-1",
		PolicyID:    policy.ID.String(),
	})
	suite.Require().Nil(appErr)
	return request
}

func (suite *ServiceTestSuite) TestCreateUnknownPolicy() {
	_, appErr := suite.service.Create(context.Background(), CreateRequestPayload{
		RequestType: "treasury_change",
		PolicyID:    uuid.NewV4().String(),
	})
	suite.Require().NotNil(appErr)
	suite.Assert().Equal(http.StatusNotFound, appErr.Code)
}

func (suite *ServiceTestSuite) TestTwoSignatureApproval() {
	policy := suite.createPolicy(2, 3600)
	request := suite.createRequest(policy)
	suite.Assert().Equal(StatusOpen, request.Status)

	first, appErr := suite.service.Sign(
		context.Background(), request.ID, "alioune@sunupay.sn", []string{"pay_admin"}, "lgtm")
	suite.Require().Nil(appErr)
	suite.Assert().Equal(StatusPartiallyApproved, first.Request.Status)
	suite.Assert().Equal(1, first.Request.SignatureCount)
	suite.Assert().False(first.NewlyApproved)

	second, appErr := suite.service.Sign(
		context.Background(), request.ID, "fatou@sunupay.sn", []string{"fraud_ops"}, "")
	suite.Require().Nil(appErr)
	suite.Assert().Equal(StatusApproved, second.Request.Status)
	suite.Assert().Equal(2, second.Request.SignatureCount)
	suite.Assert().True(second.NewlyApproved, "the threshold signature announces approval exactly once")

	// a third signer lands after the terminal transition
	_, appErr = suite.service.Sign(
		context.Background(), request.ID, "moussa@sunupay.sn", []string{"pay_admin"}, "")
	suite.Require().NotNil(appErr)
	suite.Assert().Equal(http.StatusConflict, appErr.Code)
}

func (suite *ServiceTestSuite) TestSignErrorMapping() {
	policy := suite.createPolicy(2, 3600)
	request := suite.createRequest(policy)

	_, appErr := suite.service.Sign(context.Background(), request.ID, "", []string{"pay_admin"}, "")
	suite.Require().NotNil(appErr)
	suite.Assert().Equal(http.StatusBadRequest, appErr.Code)

	_, appErr = suite.service.Sign(context.Background(), uuid.NewV4(), "alioune@sunupay.sn", []string{"pay_admin"}, "")
	suite.Require().NotNil(appErr)
	suite.Assert().Equal(http.StatusNotFound, appErr.Code)

	_, appErr = suite.service.Sign(context.Background(), request.ID, "alioune@sunupay.sn", []string{"support"}, "")
	suite.Require().NotNil(appErr)
	suite.Assert().Equal(http.StatusForbidden, appErr.Code)

	_, appErr = suite.service.Sign(context.Background(), request.ID, "alioune@sunupay.sn", []string{"pay_admin"}, "")
	suite.Require().Nil(appErr)
	_, appErr = suite.service.Sign(context.Background(), request.ID, "alioune@sunupay.sn", []string{"pay_admin"}, "again")
	suite.Require().NotNil(appErr)
	suite.Assert().Equal(http.StatusConflict, appErr.Code)
}

func (suite *ServiceTestSuite) TestRejectIsTerminal() {
	policy := suite.createPolicy(2, 3600)
	request := suite.createRequest(policy)

	_, appErr := suite.service.Reject(context.Background(), request.ID, "fatou@sunupay.sn", "")
	suite.Require().NotNil(appErr)
	suite.Assert().Equal(http.StatusBadRequest, appErr.Code)

	rejected, appErr := suite.service.Reject(context.Background(), request.ID, "fatou@sunupay.sn", "reference mismatch")
	suite.Require().Nil(appErr)
	suite.Assert().Equal(StatusRejected, rejected.Status)

	_, appErr = suite.service.Sign(context.Background(), request.ID, "alioune@sunupay.sn", []string{"pay_admin"}, "")
	suite.Require().NotNil(appErr)
	suite.Assert().Equal(http.StatusConflict, appErr.Code)
}

func (suite *ServiceTestSuite) TestExpiredRequestRefusesSignatures() {
	policy := suite.createPolicy(2, 3600)
	request := suite.createRequest(policy)
	suite.store.requests[request.ID].ExpiresAt = time.Now().Add(-time.Minute)

	_, appErr := suite.service.Sign(context.Background(), request.ID, "alioune@sunupay.sn", []string{"pay_admin"}, "")
	suite.Require().NotNil(appErr)
	suite.Assert().Equal(http.StatusConflict, appErr.Code)
}

func (suite *ServiceTestSuite) TestExpireOverdueSweep() {
	policy := suite.createPolicy(2, 3600)
	overdue := suite.createRequest(policy)
	suite.store.requests[overdue.ID].ExpiresAt = time.Now().Add(-time.Minute)
	fresh := suite.createRequest(policy)

	// no event bus configured; expiry must still complete
	processed, err := suite.service.ExpireOverdue(context.Background())
	suite.Require().NoError(err)
	suite.Assert().Equal(1, processed)
	suite.Assert().Equal(StatusExpired, suite.store.requests[overdue.ID].Status)
	suite.Assert().Equal(StatusOpen, suite.store.requests[fresh.ID].Status)

	// the sweep is idempotent over already expired requests
	processed, err = suite.service.ExpireOverdue(context.Background())
	suite.Require().NoError(err)
	suite.Assert().Equal(0, processed)
}
