package rollout

import (
	"time"

	"github.com/lib/pq"
	uuid "github.com/satori/go.uuid"

	"github.com/sunupay/sunupay/datastore/paystore"
)

// Rollout statuses; completed and rolled_back are terminal
const (
	StatusActive     = "active"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusRolledBack = "rolled_back"
)

// Strategies gate merchants on top of the percentage
const (
	StrategyRandom       = "random"
	StrategyGeo          = "geo"
	StrategyMerchantTier = "merchant_tier"
)

// Rollout is one staged exposure of a plugin version
type Rollout struct {
	ID              uuid.UUID         `db:"id" json:"id"`
	PluginName      string            `db:"plugin_name" json:"plugin_name"`
	Version         string            `db:"version" json:"version"`
	Percentage      float64           `db:"percentage" json:"percentage"`
	Strategy        string            `db:"strategy" json:"strategy"`
	TargetCountries pq.StringArray    `db:"target_countries" json:"target_countries,omitempty"`
	TargetTiers     pq.StringArray    `db:"target_tiers" json:"target_tiers,omitempty"`
	ErrorThreshold  float64           `db:"error_threshold" json:"error_threshold"`
	Status          string            `db:"status" json:"status"`
	Metadata        paystore.Metadata `db:"metadata" json:"metadata,omitempty"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updated_at"`
}

// Terminal - true when no transition out of the status is allowed
func (r *Rollout) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusRolledBack
}

// RollbackAttempt records one rollback, manual or automatic
type RollbackAttempt struct {
	ID            uuid.UUID          `db:"id" json:"id"`
	Merchant      string             `db:"merchant" json:"merchant"`
	Plugin        string             `db:"plugin" json:"plugin"`
	FromVersion   string             `db:"from_version" json:"from_version"`
	ToVersion     string             `db:"to_version" json:"to_version"`
	Trigger       string             `db:"trigger_kind" json:"trigger"`
	Reason        paystore.NullString `db:"reason" json:"reason,omitempty"`
	StartedAt     time.Time          `db:"started_at" json:"started_at"`
	CompletedAt   *time.Time         `db:"completed_at" json:"completed_at,omitempty"`
	Success       *bool              `db:"success" json:"success,omitempty"`
	ErrorMessage  paystore.NullString `db:"error_message" json:"error_message,omitempty"`
	DurationMS    *int64             `db:"duration_ms" json:"duration_ms,omitempty"`
	FilesRestored *bool              `db:"files_restored" json:"files_restored,omitempty"`
	DBRestored    *bool              `db:"db_restored" json:"db_restored,omitempty"`
}

// Backup is a pre-upgrade artifact a rollback restores from
type Backup struct {
	ID         uuid.UUID          `db:"id" json:"id"`
	Merchant   string             `db:"merchant" json:"merchant"`
	Plugin     string             `db:"plugin" json:"plugin"`
	Version    string             `db:"version" json:"version"`
	Path       string             `db:"path" json:"path"`
	DBSnapshot paystore.NullString `db:"db_snapshot" json:"db_snapshot,omitempty"`
	SizeBytes  int64              `db:"size_bytes" json:"size_bytes"`
	Status     string             `db:"status" json:"status"`
	ExpiresAt  time.Time          `db:"expires_at" json:"expires_at"`
	Metadata   paystore.Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time          `db:"created_at" json:"created_at"`
}

// UpgradeLog is one observed plugin upgrade outcome, the population
// the auto-pause sweep measures error rates over
type UpgradeLog struct {
	ID             uuid.UUID          `db:"id" json:"id"`
	Merchant       string             `db:"merchant" json:"merchant"`
	Plugin         string             `db:"plugin" json:"plugin"`
	FromVersion    string             `db:"from_version" json:"from_version"`
	ToVersion      string             `db:"to_version" json:"to_version"`
	Success        bool               `db:"success" json:"success"`
	ErrorMessage   paystore.NullString `db:"error_message" json:"error_message,omitempty"`
	RollbackStatus paystore.NullString `db:"rollback_status" json:"rollback_status,omitempty"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
}
