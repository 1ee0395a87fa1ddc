package payout

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi"

	"github.com/sunupay/sunupay/middleware"
	"github.com/sunupay/sunupay/utils/handlers"
)

// Router for payout endpoints
func Router(service *Service) chi.Router {
	r := chi.NewRouter()
	r.Method("POST", "/marketplaces/{marketplaceRef}/sellers/{sellerRef}/smart-payout",
		middleware.InstrumentHandler("SmartPayout", SmartPayout(service)))
	r.Method("POST", "/marketplaces/{marketplaceRef}/sellers/{sellerRef}/advance",
		middleware.InstrumentHandler("RequestAdvance", RequestAdvance(service)))
	r.Method("GET", "/slices/pending",
		middleware.InstrumentHandler("ListPendingSlices", ListPendingSlices(service)))
	return r
}

// SmartPayout is the handler for idempotent smart payout creation
func SmartPayout(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		var req SmartPayoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return handlers.WrapError(err, "Error decoding request body", http.StatusBadRequest)
		}
		if _, err := govalidator.ValidateStruct(req); err != nil {
			return handlers.WrapValidationError(err)
		}

		result, appErr := service.SmartPayout(
			r.Context(),
			chi.URLParam(r, "marketplaceRef"),
			chi.URLParam(r, "sellerRef"),
			req,
			r.Header.Get("idempotency-key"),
		)
		if appErr != nil {
			return appErr
		}

		status := http.StatusCreated
		if result.Status == "held" {
			status = http.StatusOK
		}
		return handlers.RenderContent(r.Context(), result, w, status)
	})
}

// RequestAdvance is the handler for advance requests
func RequestAdvance(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		var req AdvanceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return handlers.WrapError(err, "Error decoding request body", http.StatusBadRequest)
		}
		if _, err := govalidator.ValidateStruct(req); err != nil {
			return handlers.WrapValidationError(err)
		}

		advance, appErr := service.RequestAdvance(
			r.Context(),
			chi.URLParam(r, "marketplaceRef"),
			chi.URLParam(r, "sellerRef"),
			req,
			r.Header.Get("idempotency-key"),
		)
		if appErr != nil {
			return appErr
		}
		return handlers.RenderContent(r.Context(), advance, w, http.StatusCreated)
	})
}

// ListPendingSlices is the handler feeding the dispatch worker
func ListPendingSlices(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		slices, err := service.ListPendingSlices(r.Context(), limit)
		if err != nil {
			return handlers.WrapError(err, "Error listing pending slices", http.StatusInternalServerError)
		}
		return handlers.RenderContent(r.Context(), slices, w, http.StatusOK)
	})
}
