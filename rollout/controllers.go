package rollout

import (
	"encoding/json"
	"net/http"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi"
	uuid "github.com/satori/go.uuid"

	"github.com/sunupay/sunupay/middleware"
	"github.com/sunupay/sunupay/utils/handlers"
)

// Router for rollout endpoints. Every mutator requires the plugin
// operations or payments admin role; only the admission check is open to
// service callers.
func Router(service *Service) chi.Router {
	r := chi.NewRouter()

	r.Method("GET", "/should-upgrade",
		middleware.InstrumentHandler("ShouldUpgrade", ShouldUpgrade(service)))
	r.Method("POST", "/upgrades",
		middleware.RoleAuthorizedOnly(
			middleware.InstrumentHandler("RecordUpgrade", RecordUpgrade(service)),
			"ops_plugins", "pay_admin"))

	r.Method("POST", "/",
		middleware.RoleAuthorizedOnly(
			middleware.InstrumentHandler("CreateRollout", CreateRollout(service)),
			"ops_plugins", "pay_admin"))
	r.Method("POST", "/{rolloutID}/pause",
		middleware.RoleAuthorizedOnly(
			middleware.InstrumentHandler("PauseRollout", PauseRollout(service)),
			"ops_plugins", "pay_admin"))
	r.Method("POST", "/{rolloutID}/resume",
		middleware.RoleAuthorizedOnly(
			middleware.InstrumentHandler("ResumeRollout", ResumeRollout(service)),
			"ops_plugins", "pay_admin"))

	r.Method("POST", "/sweep",
		middleware.RoleAuthorizedOnly(
			middleware.InstrumentHandler("AutoPauseSweep", SweepRollouts(service)),
			"sira_service", "pay_admin"))

	r.Method("POST", "/backups",
		middleware.RoleAuthorizedOnly(
			middleware.InstrumentHandler("CreateBackup", CreateBackup(service)),
			"ops_plugins", "pay_admin"))
	r.Method("GET", "/backups/latest",
		middleware.InstrumentHandler("GetLatestBackup", GetLatestBackup(service)))

	r.Method("POST", "/rollbacks",
		middleware.RoleAuthorizedOnly(
			middleware.InstrumentHandler("InitiateRollback", InitiateRollback(service)),
			"ops_plugins", "pay_admin"))
	r.Method("POST", "/rollbacks/{attemptID}/complete",
		middleware.RoleAuthorizedOnly(
			middleware.InstrumentHandler("CompleteRollback", CompleteRollback(service)),
			"ops_plugins", "pay_admin"))

	return r
}

// CreateRollout is the handler opening a rollout
func CreateRollout(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		var req CreateRolloutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return handlers.WrapError(err, "Error decoding request body", http.StatusBadRequest)
		}
		if _, err := govalidator.ValidateStruct(req); err != nil {
			return handlers.WrapValidationError(err)
		}

		rollout, appErr := service.CreateRollout(r.Context(), req)
		if appErr != nil {
			return appErr
		}
		return handlers.RenderContent(r.Context(), rollout, w, http.StatusCreated)
	})
}

// ShouldUpgrade is the deterministic admission check handler
func ShouldUpgrade(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		query := r.URL.Query()
		merchant := query.Get("merchant")
		plugin := query.Get("plugin")
		if merchant == "" || plugin == "" {
			return handlers.CodedValidationError("merchant and plugin are required", "missing_parameters", http.StatusBadRequest)
		}

		admitted, err := service.ShouldUpgrade(
			r.Context(), merchant, plugin, query.Get("country"), query.Get("tier"))
		if err != nil {
			return handlers.WrapError(err, "Error deciding admission", http.StatusInternalServerError)
		}
		return handlers.RenderContent(r.Context(), map[string]bool{"should_upgrade": admitted}, w, http.StatusOK)
	})
}

// RecordUpgrade is the handler appending an upgrade outcome
func RecordUpgrade(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		var req RecordUpgradeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return handlers.WrapError(err, "Error decoding request body", http.StatusBadRequest)
		}
		if _, err := govalidator.ValidateStruct(req); err != nil {
			return handlers.WrapValidationError(err)
		}

		log, appErr := service.RecordUpgrade(r.Context(), req)
		if appErr != nil {
			return appErr
		}
		return handlers.RenderContent(r.Context(), log, w, http.StatusCreated)
	})
}

// PauseRollout is the operator pause handler
func PauseRollout(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		id, err := uuid.FromString(chi.URLParam(r, "rolloutID"))
		if err != nil {
			return handlers.WrapValidationError(err)
		}
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Reason == "" {
			body.Reason = "operator_pause"
		}

		rollout, appErr := service.PauseRollout(r.Context(), id, body.Reason)
		if appErr != nil {
			return appErr
		}
		return handlers.RenderContent(r.Context(), rollout, w, http.StatusOK)
	})
}

// ResumeRollout is the operator resume handler
func ResumeRollout(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		id, err := uuid.FromString(chi.URLParam(r, "rolloutID"))
		if err != nil {
			return handlers.WrapValidationError(err)
		}

		rollout, appErr := service.ResumeRollout(r.Context(), id)
		if appErr != nil {
			return appErr
		}
		return handlers.RenderContent(r.Context(), rollout, w, http.StatusOK)
	})
}

// SweepRollouts triggers the auto-pause sweep outside its cadence
func SweepRollouts(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		paused, err := service.AutoPauseSweep(r.Context())
		if err != nil {
			return handlers.WrapError(err, "Error sweeping rollouts", http.StatusInternalServerError)
		}
		return handlers.RenderContent(r.Context(), map[string]int{"paused": paused}, w, http.StatusOK)
	})
}

// CreateBackup is the handler recording a pre-upgrade backup
func CreateBackup(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		var req CreateBackupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return handlers.WrapError(err, "Error decoding request body", http.StatusBadRequest)
		}
		if _, err := govalidator.ValidateStruct(req); err != nil {
			return handlers.WrapValidationError(err)
		}

		backup, appErr := service.CreateBackup(r.Context(), req)
		if appErr != nil {
			return appErr
		}
		return handlers.RenderContent(r.Context(), backup, w, http.StatusCreated)
	})
}

// GetLatestBackup is the handler resolving the newest restorable backup
func GetLatestBackup(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		query := r.URL.Query()
		merchant := query.Get("merchant")
		plugin := query.Get("plugin")
		if merchant == "" || plugin == "" {
			return handlers.CodedValidationError("merchant and plugin are required", "missing_parameters", http.StatusBadRequest)
		}

		backup, err := service.GetLatestBackup(r.Context(), merchant, plugin, query.Get("version"))
		if err != nil {
			return handlers.WrapError(err, "Error fetching backup", http.StatusInternalServerError)
		}
		if backup == nil {
			return handlers.CodedValidationError("no restorable backup", "no_backup", http.StatusNotFound)
		}
		return handlers.RenderContent(r.Context(), backup, w, http.StatusOK)
	})
}

// InitiateRollback is the handler opening a rollback attempt
func InitiateRollback(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		var req InitiateRollbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return handlers.WrapError(err, "Error decoding request body", http.StatusBadRequest)
		}
		if _, err := govalidator.ValidateStruct(req); err != nil {
			return handlers.WrapValidationError(err)
		}

		attempt, appErr := service.InitiateRollback(r.Context(), req)
		if appErr != nil {
			return appErr
		}
		return handlers.RenderContent(r.Context(), attempt, w, http.StatusCreated)
	})
}

// CompleteRollback is the handler closing a rollback attempt
func CompleteRollback(service *Service) handlers.AppHandler {
	return handlers.AppHandler(func(w http.ResponseWriter, r *http.Request) *handlers.AppError {
		id, err := uuid.FromString(chi.URLParam(r, "attemptID"))
		if err != nil {
			return handlers.WrapValidationError(err)
		}
		var req struct {
			CompleteRollbackRequest
			Merchant string `json:"merchant" valid:"required"`
			Plugin   string `json:"plugin" valid:"required"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return handlers.WrapError(err, "Error decoding request body", http.StatusBadRequest)
		}
		if _, err := govalidator.ValidateStruct(req); err != nil {
			return handlers.WrapValidationError(err)
		}

		if appErr := service.CompleteRollback(r.Context(), id, req.Merchant, req.Plugin, req.CompleteRollbackRequest); appErr != nil {
			return appErr
		}
		return handlers.RenderContent(r.Context(), map[string]string{"status": "completed"}, w, http.StatusOK)
	})
}
