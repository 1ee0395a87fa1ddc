package approval

import (
	"encoding/json"
	"net/http"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi"
	uuid "github.com/satori/go.uuid"

	"github.com/sunupay/sunupay/middleware"
	"github.com/sunupay/sunupay/utils/handlers"
)

// signerRoles an operator may hold to touch the approval surface at all;
// per-request eligibility is still enforced against the policy roles
var signerRoles = []string{"pay_admin", "fraud_ops", "compliance"}

// Router for approval endpoints
func Router(service *Service) chi.Router {
	r := chi.NewRouter()
	r.Method("POST", "/",
		middleware.RoleAuthorizedOnly(
			middleware.InstrumentHandler("CreateApprovalRequest", CreateRequest(service)),
			signerRoles...))
	r.Method("GET", "/",
		middleware.RoleAuthorizedOnly(
			middleware.InstrumentHandler("ListApprovalRequests", ListRequests(service)),
			signerRoles...))
	r.Method("GET", "/{requestID}",
		middleware.RoleAuthorizedOnly(
			middleware.InstrumentHandler("GetApprovalRequest", GetRequest(service)),
			signerRoles...))
	r.Method("POST", "/{requestID}/sign",
		middleware.RoleAuthorizedOnly(
			middleware.InstrumentHandler("SignApprovalRequest", SignRequest(service)),
			signerRoles...))
	r.Method("POST", "/{requestID}/reject",
		middleware.RoleAuthorizedOnly(
			middleware.InstrumentHandler("RejectApprovalRequest", RejectRequest(service)),
			signerRoles...))
	return r
}

// CreateRequest is the handler opening an approval request
func CreateRequest(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		var payload CreateRequestPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return handlers.WrapError(err, "Error decoding request body", http.StatusBadRequest)
		}
		if _, err := govalidator.ValidateStruct(payload); err != nil {
			return handlers.WrapValidationError(err)
		}

		request, appErr := service.Create(r.Context(), payload)
		if appErr != nil {
			return appErr
		}
		return handlers.RenderContent(r.Context(), request, w, http.StatusCreated)
	})
}

// ListRequests is the handler listing requests by status and type
func ListRequests(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		requests, appErr := service.List(
			r.Context(),
			r.URL.Query().Get("status"),
			r.URL.Query().Get("request_type"),
		)
		if appErr != nil {
			return appErr
		}
		return handlers.RenderContent(r.Context(), struct {
			Requests []Request `json:"requests"`
		}{requests}, w, http.StatusOK)
	})
}

// GetRequest is the handler returning a request with its signatures
func GetRequest(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		id, err := uuid.FromString(chi.URLParam(r, "requestID"))
		if err != nil {
			return handlers.WrapValidationError(err)
		}

		request, signatures, appErr := service.Get(r.Context(), id)
		if appErr != nil {
			return appErr
		}
		return handlers.RenderContent(r.Context(), struct {
			*Request
			Signatures []Signature `json:"signatures"`
		}{request, signatures}, w, http.StatusOK)
	})
}

// SignRequest is the handler appending one signature
func SignRequest(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		id, err := uuid.FromString(chi.URLParam(r, "requestID"))
		if err != nil {
			return handlers.WrapValidationError(err)
		}
		var body struct {
			Comment string `json:"comment"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		outcome, appErr := service.Sign(
			r.Context(),
			id,
			middleware.OperatorFromContext(r.Context()),
			middleware.RolesFromContext(r.Context()),
			body.Comment,
		)
		if appErr != nil {
			return appErr
		}
		return handlers.RenderContent(r.Context(), outcome, w, http.StatusOK)
	})
}

// RejectRequest is the handler for the terminal reject transition
func RejectRequest(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		id, err := uuid.FromString(chi.URLParam(r, "requestID"))
		if err != nil {
			return handlers.WrapValidationError(err)
		}
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		request, appErr := service.Reject(
			r.Context(), id, middleware.OperatorFromContext(r.Context()), body.Reason)
		if appErr != nil {
			return appErr
		}
		return handlers.RenderContent(r.Context(), request, w, http.StatusOK)
	})
}
