package ussd

import (
	"encoding/json"
	"net/http"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi"

	"github.com/sunupay/sunupay/middleware"
	"github.com/sunupay/sunupay/utils/handlers"
)

// Router for ussd gateway endpoints
func Router(service *Service) chi.Router {
	r := chi.NewRouter()
	r.Method("POST", "/", middleware.InstrumentHandler("HandleTurn", HandleTurn(service)))
	return r
}

// HandleTurn is the handler for one gateway turn
func HandleTurn(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return handlers.WrapError(err, "Error decoding request body", http.StatusBadRequest)
		}
		if _, err := govalidator.ValidateStruct(req); err != nil {
			return handlers.WrapValidationError(err)
		}

		resp, err := service.Handle(r.Context(), req)
		if err != nil {
			// transient; the gateway retries and state is rehydrated from the store
			return handlers.WrapError(err, "Error handling session turn", http.StatusInternalServerError)
		}

		return handlers.RenderContent(r.Context(), resp, w, http.StatusOK)
	})
}
