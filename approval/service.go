package approval

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"

	"github.com/sunupay/sunupay/datastore/paystore"
	"github.com/sunupay/sunupay/utils/handlers"
	"github.com/sunupay/sunupay/utils/kafka"
	"github.com/sunupay/sunupay/utils/logging"
	srv "github.com/sunupay/sunupay/utils/service"
)

// expiryCadence between sweeps over overdue requests
const expiryCadence = 30 * time.Second

var (
	countRequestsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "approval_requests_expired_total",
			Help: "count of approval requests expired by the sweep ( since last start )",
		},
	)
	countSignaturesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_signatures_total",
			Help: "count of signature attempts ( since last start ) broken down by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	if err := prometheus.Register(countRequestsExpiredTotal); err != nil {
		if ae, ok := err.(prometheus.AlreadyRegisteredError); ok {
			countRequestsExpiredTotal = ae.ExistingCollector.(prometheus.Counter)
		}
	}
	if err := prometheus.Register(countSignaturesTotal); err != nil {
		if ae, ok := err.(prometheus.AlreadyRegisteredError); ok {
			countSignaturesTotal = ae.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// Service contains the approval datastore and the event bus writer
type Service struct {
	Datastore Datastore
	events    *kafka.Writer
	jobs      []srv.Job
}

// InitService creates a service using the passed datastore. A missing
// event bus leaves expiry fully functional; emission is best effort.
func InitService(ctx context.Context, datastore Datastore) (*Service, error) {
	service := &Service{
		Datastore: datastore,
	}

	writer, err := kafka.NewWriter(ctx, expiredEventCodec)
	if err == nil {
		if err := writer.AddCodec(expiredEventCodec, requestExpiredEventSchema); err != nil {
			return nil, err
		}
		service.events = writer
	} else {
		logging.FromContext(ctx).Warn().Err(err).Msg("approval expiry events disabled")
	}

	service.jobs = []srv.Job{
		{
			Func:    service.RunNextExpiryJob,
			Cadence: expiryCadence,
			Workers: 1,
		},
	}
	return service, nil
}

// Jobs - Implement srv.JobService interface
func (service *Service) Jobs() []srv.Job {
	return service.jobs
}

// CreateRequestPayload is the request body for opening an approval request
type CreateRequestPayload struct {
	RequestType string            `json:"request_type" valid:"required"`
	ReferenceID string            `json:"reference_id"`
	PolicyID    string            `json:"policy_id" valid:"uuidv4,required"`
	Metadata    paystore.Metadata `json:"metadata"`
}

// Create opens an approval request under the named policy
func (service *Service) Create(ctx context.Context, payload CreateRequestPayload) (*Request, *handlers.AppError) {
	policyID, err := uuid.FromString(payload.PolicyID)
	if err != nil {
		return nil, handlers.WrapValidationError(err)
	}
	policy, err := service.Datastore.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, handlers.WrapError(err, "Error fetching policy", http.StatusInternalServerError)
	}
	if policy == nil {
		return nil, handlers.CodedValidationError("approval policy not found", "policy_not_found", http.StatusNotFound)
	}

	request, err := service.Datastore.CreateRequest(
		ctx, payload.RequestType, payload.ReferenceID, policy, payload.Metadata)
	if err != nil {
		return nil, handlers.WrapError(err, "Error creating approval request", http.StatusInternalServerError)
	}
	return request, nil
}

// Sign appends one signature, advancing the request when the threshold
// is met. The signer identity and roles come from the gateway claims.
func (service *Service) Sign(ctx context.Context, requestID uuid.UUID, signer string, signerRoles []string, comment string) (*SignOutcome, *handlers.AppError) {
	if signer == "" {
		return nil, handlers.CodedValidationError("signer identity is required", "missing_signer", http.StatusBadRequest)
	}

	outcome, err := service.Datastore.SignRequest(ctx, requestID, signer, signerRoles, comment)
	if err != nil {
		countSignaturesTotal.WithLabelValues("rejected").Inc()
		switch {
		case errors.Is(err, ErrRequestNotFound):
			return nil, handlers.CodedValidationError("approval request not found", "request_not_found", http.StatusNotFound)
		case errors.Is(err, ErrRequestNotSignable):
			return nil, handlers.CodedValidationError("request is in a terminal status", "request_not_signable", http.StatusConflict)
		case errors.Is(err, ErrRequestExpired):
			return nil, handlers.CodedValidationError("request deadline has passed", "request_expired", http.StatusConflict)
		case errors.Is(err, ErrDuplicateSigner):
			return nil, handlers.CodedValidationError("signer has already signed", "duplicate_signer", http.StatusConflict)
		case errors.Is(err, ErrRoleNotAllowed):
			return nil, handlers.CodedValidationError("signer roles do not satisfy the policy", "role_not_allowed", http.StatusForbidden)
		}
		return nil, handlers.WrapError(err, "Error signing request", http.StatusInternalServerError)
	}

	outcomeLabel := "signed"
	if outcome.NewlyApproved {
		outcomeLabel = "approved"
	}
	countSignaturesTotal.WithLabelValues(outcomeLabel).Inc()
	return outcome, nil
}

// Reject terminally rejects the request
func (service *Service) Reject(ctx context.Context, requestID uuid.UUID, signer, reason string) (*Request, *handlers.AppError) {
	if signer == "" {
		return nil, handlers.CodedValidationError("signer identity is required", "missing_signer", http.StatusBadRequest)
	}
	if reason == "" {
		return nil, handlers.CodedValidationError("a rejection reason is required", "missing_reason", http.StatusBadRequest)
	}

	request, err := service.Datastore.RejectRequest(ctx, requestID, signer, reason)
	if err != nil {
		switch {
		case errors.Is(err, ErrRequestNotFound):
			return nil, handlers.CodedValidationError("approval request not found", "request_not_found", http.StatusNotFound)
		case errors.Is(err, ErrRequestNotSignable):
			return nil, handlers.CodedValidationError("request is in a terminal status", "request_not_signable", http.StatusConflict)
		}
		return nil, handlers.WrapError(err, "Error rejecting request", http.StatusInternalServerError)
	}
	return request, nil
}

// Get returns the request with its signature set
func (service *Service) Get(ctx context.Context, requestID uuid.UUID) (*Request, []Signature, *handlers.AppError) {
	request, err := service.Datastore.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, handlers.WrapError(err, "Error fetching request", http.StatusInternalServerError)
	}
	if request == nil {
		return nil, nil, handlers.CodedValidationError("approval request not found", "request_not_found", http.StatusNotFound)
	}
	signatures, err := service.Datastore.ListSignatures(ctx, requestID)
	if err != nil {
		return nil, nil, handlers.WrapError(err, "Error fetching signatures", http.StatusInternalServerError)
	}
	return request, signatures, nil
}

// List returns requests newest first, filtered by status and type when set
func (service *Service) List(ctx context.Context, status, requestType string) ([]Request, *handlers.AppError) {
	switch status {
	case "", StatusOpen, StatusPartiallyApproved, StatusApproved, StatusRejected, StatusExpired:
	default:
		return nil, handlers.CodedValidationError("unknown status filter", "invalid_status", http.StatusBadRequest)
	}
	requests, err := service.Datastore.ListRequests(ctx, status, requestType)
	if err != nil {
		return nil, handlers.WrapError(err, "Error listing requests", http.StatusInternalServerError)
	}
	return requests, nil
}

// ExpireOverdue transitions every overdue request to expired and announces
// each on the event bus. Emission failure never rolls back the local
// transitions. Returns the count processed.
func (service *Service) ExpireOverdue(ctx context.Context) (int, error) {
	logger := logging.Logger(ctx, "approval.ExpireOverdue")

	expired, err := service.Datastore.ExpireRequests(ctx, time.Now())
	for _, request := range expired {
		countRequestsExpiredTotal.Inc()
		service.emitExpired(ctx, &request, logger)
	}
	return len(expired), err
}

func (service *Service) emitExpired(ctx context.Context, request *Request, logger *zerolog.Logger) {
	if service.events == nil {
		return
	}
	publishErr := service.events.Publish(ctx, expiredEventCodec, request.ID.String(), map[string]interface{}{
		"request_id":         request.ID.String(),
		"request_type":       request.RequestType,
		"reference_id":       request.ReferenceID.String,
		"policy_id":          request.PolicyID.String(),
		"signature_count":    int32(request.SignatureCount),
		"required_threshold": int32(request.RequiredThreshold),
		"expired_at":         request.UpdatedAt.UTC().Format(time.RFC3339),
	})
	if publishErr != nil {
		logger.Error().Err(publishErr).Str("request_id", request.ID.String()).Msg("expiry event publish failed")
	}
}

// RunNextExpiryJob - Implement JobFunc over the expiry sweep
func (service *Service) RunNextExpiryJob(ctx context.Context) (bool, error) {
	processed, err := service.ExpireOverdue(ctx)
	return processed > 0, err
}
