package simulator

import (
	"encoding/json"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/sunupay/sunupay/datastore/paystore"
)

// Run statuses; success, partial_success, failed and timeout are terminal
const (
	StatusQueued         = "queued"
	StatusRunning        = "running"
	StatusSuccess        = "success"
	StatusPartialSuccess = "partial_success"
	StatusFailed         = "failed"
	StatusTimeout        = "timeout"
)

// Journal events; exactly one terminal entry lands per run
const (
	JournalStarted   = "started"
	JournalTimeout   = "timeout"
	JournalCompleted = "completed"
	JournalFailed    = "failed"
)

// Simulation is the reusable scenario definition runs execute against
type Simulation struct {
	ID             uuid.UUID           `db:"id" json:"id"`
	Name           string              `db:"name" json:"name"`
	SDKLanguage    string              `db:"sdk_language" json:"sdk_language"`
	Scenario       paystore.Metadata   `db:"scenario" json:"scenario"`
	PatchReference paystore.NullString `db:"patch_reference" json:"patch_reference,omitempty"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
}

// Patch carries the code a scenario applies and reverts inside the sandbox
type Patch struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Reference    string    `db:"reference" json:"reference"`
	PatchCode    string    `db:"patch_code" json:"patch_code"`
	RollbackCode string    `db:"rollback_code" json:"rollback_code"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Run is one invocation of a simulation inside a sandbox
type Run struct {
	ID           uuid.UUID           `db:"id" json:"id"`
	SimulationID uuid.UUID           `db:"simulation_id" json:"simulation_id"`
	Seed         int64               `db:"seed" json:"seed"`
	Status       string              `db:"status" json:"status"`
	ContainerID  paystore.NullString `db:"container_id" json:"container_id,omitempty"`
	Metrics      paystore.Metadata   `db:"metrics" json:"metrics,omitempty"`
	ArtifactKey  paystore.NullString `db:"artifact_key" json:"artifact_key,omitempty"`
	ExitCode     *int64              `db:"exit_code" json:"exit_code,omitempty"`
	ErrorMessage paystore.NullString `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time          `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time          `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt    time.Time           `db:"created_at" json:"created_at"`
}

// JournalEntry is one append-only lifecycle record for a run
type JournalEntry struct {
	ID        uuid.UUID           `db:"id" json:"id"`
	RunID     uuid.UUID           `db:"run_id" json:"run_id"`
	Event     string              `db:"event" json:"event"`
	Detail    paystore.NullString `db:"detail" json:"detail,omitempty"`
	CreatedAt time.Time           `db:"created_at" json:"created_at"`
}

// AnonymizedError is one distinct error signature aggregated from run logs
type AnonymizedError struct {
	ID             uuid.UUID `db:"id" json:"id"`
	RunID          uuid.UUID `db:"run_id" json:"run_id"`
	ErrorSignature string    `db:"error_signature" json:"error_signature"`
	Category       string    `db:"category" json:"category"`
	SDKLanguage    string    `db:"sdk_language" json:"sdk_language"`
	Frequency      float64   `db:"frequency" json:"frequency"`
	ContextHash    string    `db:"context_hash" json:"context_hash"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Metrics is the harness summary metric block
type Metrics struct {
	SuccessRate    float64  `json:"success_rate"`
	AvgLatencyMS   float64  `json:"avg_latency_ms"`
	TotalRequests  int      `json:"total_requests"`
	FailedRequests int      `json:"failed_requests"`
	Regressions    []string `json:"regressions,omitempty"`
}

// Summary is the final JSON line the harness writes to stdout
type Summary struct {
	Status  string  `json:"status"`
	Metrics Metrics `json:"metrics"`
}

// asMetadata flattens the summary metrics for persistence
func (s *Summary) asMetadata() paystore.Metadata {
	raw, _ := json.Marshal(s.Metrics)
	m := paystore.Metadata{}
	_ = json.Unmarshal(raw, &m)
	return m
}
