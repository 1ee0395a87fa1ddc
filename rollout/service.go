package rollout

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	uuid "github.com/satori/go.uuid"

	"github.com/sunupay/sunupay/datastore/paystore"
	"github.com/sunupay/sunupay/utils/handlers"
	"github.com/sunupay/sunupay/utils/logging"
	srv "github.com/sunupay/sunupay/utils/service"
)

const (
	// backupRetention is how long a pre-upgrade backup stays restorable
	backupRetention = 30 * 24 * time.Hour
	// autoPauseCadence between sweeps over active rollouts
	autoPauseCadence = time.Minute
	// minErrorSample below which a rollout is never auto-paused
	minErrorSample = 10
)

var (
	countAdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_admissions_total",
			Help: "count of rollout admission decisions ( since last start ) broken down by plugin and verdict",
		},
		[]string{"plugin", "verdict"},
	)
	countAutoPausedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rollout_auto_paused_total",
			Help: "count of rollouts auto-paused for exceeding their error threshold ( since last start )",
		},
	)
)

func init() {
	if err := prometheus.Register(countAdmissionsTotal); err != nil {
		if ae, ok := err.(prometheus.AlreadyRegisteredError); ok {
			countAdmissionsTotal = ae.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	if err := prometheus.Register(countAutoPausedTotal); err != nil {
		if ae, ok := err.(prometheus.AlreadyRegisteredError); ok {
			countAutoPausedTotal = ae.ExistingCollector.(prometheus.Counter)
		}
	}
}

// Service contains the rollout datastore and its background jobs
type Service struct {
	Datastore Datastore
	jobs      []srv.Job
}

// InitService creates a service using the passed datastore
func InitService(ctx context.Context, datastore Datastore) (*Service, error) {
	service := &Service{
		Datastore: datastore,
	}
	service.jobs = []srv.Job{
		{
			Func:    service.RunNextAutoPauseJob,
			Cadence: autoPauseCadence,
			Workers: 1,
		},
		{
			Func:    service.RunNextBackupCleanupJob,
			Cadence: time.Hour,
			Workers: 1,
		},
	}
	return service, nil
}

// Jobs - Implement srv.JobService interface
func (service *Service) Jobs() []srv.Job {
	return service.jobs
}

// CreateRolloutRequest is the request body for opening a rollout
type CreateRolloutRequest struct {
	PluginName      string   `json:"plugin_name" valid:"required"`
	Version         string   `json:"version" valid:"required"`
	Percentage      float64  `json:"percentage"`
	Strategy        string   `json:"strategy"`
	TargetCountries []string `json:"target_countries"`
	TargetTiers     []string `json:"target_tiers"`
	ErrorThreshold  float64  `json:"error_threshold"`
}

// CreateRollout opens a new active rollout for a plugin version
func (service *Service) CreateRollout(ctx context.Context, req CreateRolloutRequest) (*Rollout, *handlers.AppError) {
	if req.Percentage < 0 || req.Percentage > 100 {
		return nil, handlers.CodedValidationError("percentage must be within [0, 100]", "invalid_percentage", 400)
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyRandom
	}
	if strategy != StrategyRandom && strategy != StrategyGeo && strategy != StrategyMerchantTier {
		return nil, handlers.CodedValidationError("strategy must be random, geo or merchant_tier", "invalid_strategy", 400)
	}
	if strategy == StrategyGeo && len(req.TargetCountries) == 0 {
		return nil, handlers.CodedValidationError("geo strategy requires target_countries", "missing_targets", 400)
	}
	if strategy == StrategyMerchantTier && len(req.TargetTiers) == 0 {
		return nil, handlers.CodedValidationError("merchant_tier strategy requires target_tiers", "missing_targets", 400)
	}
	threshold := req.ErrorThreshold
	if threshold <= 0 {
		threshold = 0.05
	}

	rollout, err := service.Datastore.CreateRollout(ctx, &Rollout{
		PluginName:      req.PluginName,
		Version:         req.Version,
		Percentage:      req.Percentage,
		Strategy:        strategy,
		TargetCountries: req.TargetCountries,
		TargetTiers:     req.TargetTiers,
		ErrorThreshold:  threshold,
	})
	if err != nil {
		return nil, handlers.WrapError(err, "Error creating rollout", 500)
	}
	return rollout, nil
}

// admissionBucket reduces the merchant and plugin to a stable bucket in
// [0, 100). The separator keeps ("ab","c") and ("a","bc") in distinct
// buckets.
func admissionBucket(merchant, plugin string) float64 {
	sum := xxhash.Sum64String(merchant + ":" + plugin)
	return float64(sum%10000) / 100
}

// ShouldUpgrade decides deterministically whether the merchant is admitted
// into the latest rollout for the plugin. Only the newest rollout counts;
// when it is not active everyone is denied, no matter what older rollouts
// for the plugin say.
func (service *Service) ShouldUpgrade(ctx context.Context, merchant, plugin, country, tier string) (bool, error) {
	rollout, err := service.Datastore.GetLatestRollout(ctx, plugin)
	if err != nil {
		return false, err
	}
	if rollout == nil || rollout.Status != StatusActive {
		countAdmissionsTotal.WithLabelValues(plugin, "denied").Inc()
		return false, nil
	}

	admitted := true
	switch rollout.Strategy {
	case StrategyGeo:
		admitted = contains(rollout.TargetCountries, country)
	case StrategyMerchantTier:
		admitted = contains(rollout.TargetTiers, tier)
	}
	if admitted {
		admitted = admissionBucket(merchant, plugin) < rollout.Percentage
	}

	verdict := "denied"
	if admitted {
		verdict = "admitted"
	}
	countAdmissionsTotal.WithLabelValues(plugin, verdict).Inc()
	return admitted, nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// PauseRollout transitions an active rollout to paused on operator request
func (service *Service) PauseRollout(ctx context.Context, id uuid.UUID, reason string) (*Rollout, *handlers.AppError) {
	ok, err := service.Datastore.SetRolloutStatus(ctx, id, StatusPaused, reason)
	if err != nil {
		return nil, handlers.WrapError(err, "Error pausing rollout", 500)
	}
	if !ok {
		return nil, handlers.CodedValidationError("rollout is terminal or unknown", "rollout_not_pausable", 409)
	}
	rollout, err := service.Datastore.GetRollout(ctx, id)
	if err != nil {
		return nil, handlers.WrapError(err, "Error fetching rollout", 500)
	}
	return rollout, nil
}

// ResumeRollout transitions a paused rollout back to active
func (service *Service) ResumeRollout(ctx context.Context, id uuid.UUID) (*Rollout, *handlers.AppError) {
	rollout, err := service.Datastore.GetRollout(ctx, id)
	if err != nil {
		return nil, handlers.WrapError(err, "Error fetching rollout", 500)
	}
	if rollout == nil {
		return nil, handlers.CodedValidationError("rollout not found", "rollout_not_found", 404)
	}
	if rollout.Status != StatusPaused {
		return nil, handlers.CodedValidationError("only paused rollouts can resume", "rollout_not_paused", 409)
	}
	if _, err := service.Datastore.SetRolloutStatus(ctx, id, StatusActive, "operator_resume"); err != nil {
		return nil, handlers.WrapError(err, "Error resuming rollout", 500)
	}
	resumed, err := service.Datastore.GetRollout(ctx, id)
	if err != nil {
		return nil, handlers.WrapError(err, "Error fetching rollout", 500)
	}
	return resumed, nil
}

// AutoPauseSweep inspects each active rollout and pauses those whose
// observed upgrade error rate exceeds their threshold. Returns the count
// paused. This sweep is the only non-operator path from active to paused.
func (service *Service) AutoPauseSweep(ctx context.Context) (int, error) {
	logger := logging.Logger(ctx, "rollout.AutoPauseSweep")

	rollouts, err := service.Datastore.ListActiveRollouts(ctx)
	if err != nil {
		return 0, err
	}

	paused := 0
	for _, rollout := range rollouts {
		rate, sample, err := service.Datastore.GetUpgradeErrorRate(
			ctx, rollout.PluginName, rollout.Version, rollout.CreatedAt)
		if err != nil {
			logger.Error().Err(err).Str("plugin", rollout.PluginName).Msg("error rate query failed")
			continue
		}
		if sample < minErrorSample || rate <= rollout.ErrorThreshold {
			continue
		}

		reason := fmt.Sprintf("error_rate %.4f over %d upgrades exceeded threshold %.4f",
			rate, sample, rollout.ErrorThreshold)
		ok, err := service.Datastore.SetRolloutStatus(ctx, rollout.ID, StatusPaused, reason)
		if err != nil {
			logger.Error().Err(err).Str("plugin", rollout.PluginName).Msg("pause failed")
			continue
		}
		if ok {
			paused++
			countAutoPausedTotal.Inc()
			logger.Warn().
				Str("plugin", rollout.PluginName).
				Str("version", rollout.Version).
				Str("reason", reason).
				Msg("rollout auto-paused")
		}
	}
	return paused, nil
}

// RunNextAutoPauseJob - Implement JobFunc over the auto-pause sweep
func (service *Service) RunNextAutoPauseJob(ctx context.Context) (bool, error) {
	paused, err := service.AutoPauseSweep(ctx)
	return paused > 0, err
}

// RunNextBackupCleanupJob - Implement JobFunc over expired backup removal
func (service *Service) RunNextBackupCleanupJob(ctx context.Context) (bool, error) {
	removed, err := service.CleanupExpired(ctx)
	return removed > 0, err
}

// CreateBackupRequest is the request body for recording a pre-upgrade backup
type CreateBackupRequest struct {
	Merchant   string            `json:"merchant" valid:"required"`
	Plugin     string            `json:"plugin" valid:"required"`
	Version    string            `json:"version" valid:"required"`
	Path       string            `json:"path" valid:"required"`
	DBSnapshot string            `json:"db_snapshot"`
	SizeBytes  int64             `json:"size_bytes"`
	Metadata   paystore.Metadata `json:"metadata"`
}

// CreateBackup records a completed pre-upgrade backup under retention
func (service *Service) CreateBackup(ctx context.Context, req CreateBackupRequest) (*Backup, *handlers.AppError) {
	backup, err := service.Datastore.InsertBackup(ctx, &Backup{
		Merchant:   req.Merchant,
		Plugin:     req.Plugin,
		Version:    req.Version,
		Path:       req.Path,
		DBSnapshot: paystore.NewNullString(req.DBSnapshot),
		SizeBytes:  req.SizeBytes,
		Status:     "completed",
		ExpiresAt:  time.Now().Add(backupRetention),
	})
	if err != nil {
		return nil, handlers.WrapError(err, "Error recording backup", 500)
	}
	return backup, nil
}

// GetLatestBackup returns the newest restorable backup for the merchant
// and plugin; an empty version matches any
func (service *Service) GetLatestBackup(ctx context.Context, merchant, plugin, version string) (*Backup, error) {
	return service.Datastore.GetLatestBackup(ctx, merchant, plugin, version)
}

// CleanupExpired deletes backups past retention and returns the count
func (service *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return service.Datastore.DeleteExpiredBackups(ctx)
}

// InitiateRollbackRequest is the request body opening a rollback attempt
type InitiateRollbackRequest struct {
	Merchant    string `json:"merchant" valid:"required"`
	Plugin      string `json:"plugin" valid:"required"`
	FromVersion string `json:"from_version" valid:"required"`
	ToVersion   string `json:"to_version" valid:"required"`
	Trigger     string `json:"trigger"`
	Reason      string `json:"reason"`
}

// InitiateRollback opens a rollback attempt. A restorable backup for the
// target version must exist before the attempt is recorded.
func (service *Service) InitiateRollback(ctx context.Context, req InitiateRollbackRequest) (*RollbackAttempt, *handlers.AppError) {
	trigger := req.Trigger
	if trigger == "" {
		trigger = "manual"
	}
	if trigger != "manual" && trigger != "auto" {
		return nil, handlers.CodedValidationError("trigger must be manual or auto", "invalid_trigger", 400)
	}

	backup, err := service.Datastore.GetLatestBackup(ctx, req.Merchant, req.Plugin, req.ToVersion)
	if err != nil {
		return nil, handlers.WrapError(err, "Error checking backup eligibility", 500)
	}
	if backup == nil {
		return nil, handlers.CodedValidationError("no restorable backup for target version", "no_backup", 409)
	}

	attempt, err := service.Datastore.InsertRollbackAttempt(ctx, &RollbackAttempt{
		Merchant:    req.Merchant,
		Plugin:      req.Plugin,
		FromVersion: req.FromVersion,
		ToVersion:   req.ToVersion,
		Trigger:     trigger,
		Reason:      paystore.NewNullString(req.Reason),
	})
	if err != nil {
		return nil, handlers.WrapError(err, "Error recording rollback attempt", 500)
	}
	return attempt, nil
}

// CompleteRollbackRequest is the request body closing a rollback attempt
type CompleteRollbackRequest struct {
	Success       bool   `json:"success"`
	ErrorMessage  string `json:"error_message"`
	FilesRestored bool   `json:"files_restored"`
	DBRestored    bool   `json:"db_restored"`
}

// CompleteRollback closes the attempt and stamps the rollback outcome on
// the newest upgrade log row. Closing twice is rejected; the first close
// makes the attempt immutable.
func (service *Service) CompleteRollback(ctx context.Context, id uuid.UUID, merchant, plugin string, req CompleteRollbackRequest) *handlers.AppError {
	ok, err := service.Datastore.CompleteRollbackAttempt(
		ctx, id, req.Success, req.ErrorMessage, req.FilesRestored, req.DBRestored)
	if err != nil {
		return handlers.WrapError(err, "Error completing rollback attempt", 500)
	}
	if !ok {
		return handlers.CodedValidationError("rollback attempt already completed or unknown", "rollback_already_completed", 409)
	}

	status := "rolled_back"
	if !req.Success {
		status = "rollback_failed"
	}
	if err := service.Datastore.SetUpgradeRollbackStatus(ctx, merchant, plugin, status); err != nil {
		logging.FromContext(ctx).Error().Err(err).Msg("failed stamping upgrade rollback status")
	}
	return nil
}

// RecordUpgradeRequest is the request body appending an upgrade outcome
type RecordUpgradeRequest struct {
	Merchant     string `json:"merchant" valid:"required"`
	Plugin       string `json:"plugin" valid:"required"`
	FromVersion  string `json:"from_version" valid:"required"`
	ToVersion    string `json:"to_version" valid:"required"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message"`
}

// RecordUpgrade appends an upgrade outcome to the population the
// auto-pause sweep measures
func (service *Service) RecordUpgrade(ctx context.Context, req RecordUpgradeRequest) (*UpgradeLog, *handlers.AppError) {
	log, err := service.Datastore.RecordUpgrade(ctx, &UpgradeLog{
		Merchant:     req.Merchant,
		Plugin:       req.Plugin,
		FromVersion:  req.FromVersion,
		ToVersion:    req.ToVersion,
		Success:      req.Success,
		ErrorMessage: paystore.NewNullString(req.ErrorMessage),
	})
	if err != nil {
		return nil, handlers.WrapError(err, "Error recording upgrade", 500)
	}
	return log, nil
}
