package simulator

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	uuid "github.com/satori/go.uuid"

	"github.com/sunupay/sunupay/datastore/paystore"
)

// Datastore abstracts over the underlying datastore
type Datastore interface {
	paystore.Datastore
	// DequeueRun claims the oldest queued run, nil when the queue is empty.
	// Claiming moves the run to running and journals started atomically.
	DequeueRun(ctx context.Context) (*Run, error)
	// GetSimulation by id, nil when unknown
	GetSimulation(ctx context.Context, id uuid.UUID) (*Simulation, error)
	// GetPatch by reference, nil when unknown
	GetPatch(ctx context.Context, reference string) (*Patch, error)
	// SetRunContainer persists the sandbox id before start
	SetRunContainer(ctx context.Context, runID uuid.UUID, containerID string) error
	// CompleteRun commits the terminal state and the terminal journal
	// entry in one transaction
	CompleteRun(ctx context.Context, runID uuid.UUID, status string, metrics paystore.Metadata, artifactKey string, exitCode int64, errorMessage string) error
	// AppendJournal adds one non-terminal lifecycle record
	AppendJournal(ctx context.Context, runID uuid.UUID, event, detail string) error
	// InsertAnonymizedErrors persists the aggregated error signatures
	InsertAnonymizedErrors(ctx context.Context, errors []AnonymizedError) error
}

// Postgres is a Datastore wrapper around a postgres database
type Postgres struct {
	paystore.Postgres
}

// NewPostgres creates a new Postgres Datastore
func NewPostgres(databaseURL string, performMigration bool) (*Postgres, error) {
	pg, err := paystore.NewPostgres(databaseURL, performMigration)
	if pg != nil {
		return &Postgres{*pg}, err
	}
	return nil, err
}

// DequeueRun claims the oldest queued run. Skip locked lets concurrent
// workers drain the queue without claiming the same run twice.
func (pg *Postgres) DequeueRun(ctx context.Context) (*Run, error) {
	tx, err := pg.RawDB().BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer pg.RollbackTx(tx)

	run := Run{}
	err = tx.GetContext(ctx, &run, `
	select * from simulation_runs
	where status = 'queued'
	order by created_at
	limit 1
	for update skip locked`)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	err = tx.GetContext(ctx, &run, `
	update simulation_runs
	set status = 'running', started_at = current_timestamp
	where id = $1
	returning *`, run.ID)
	if err != nil {
		return nil, err
	}
	if err := appendJournalTx(ctx, tx, run.ID, JournalStarted, ""); err != nil {
		return nil, err
	}
	return &run, tx.Commit()
}

// GetSimulation by id, nil when unknown
func (pg *Postgres) GetSimulation(ctx context.Context, id uuid.UUID) (*Simulation, error) {
	simulation := Simulation{}
	err := pg.RawDB().GetContext(ctx, &simulation,
		`select * from simulations where id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &simulation, nil
}

// GetPatch by reference, nil when unknown
func (pg *Postgres) GetPatch(ctx context.Context, reference string) (*Patch, error) {
	patch := Patch{}
	err := pg.RawDB().GetContext(ctx, &patch,
		`select * from simulation_patches where reference = $1`, reference)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &patch, nil
}

// SetRunContainer persists the sandbox id before start
func (pg *Postgres) SetRunContainer(ctx context.Context, runID uuid.UUID, containerID string) error {
	_, err := pg.RawDB().ExecContext(ctx,
		`update simulation_runs set container_id = $2 where id = $1`, runID, containerID)
	return err
}

// CompleteRun commits the terminal state and the terminal journal entry in
// one transaction. The status guard makes a replayed completion a no-op,
// so exactly one terminal journal entry lands per run.
func (pg *Postgres) CompleteRun(ctx context.Context, runID uuid.UUID, status string, metrics paystore.Metadata, artifactKey string, exitCode int64, errorMessage string) error {
	tx, err := pg.RawDB().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer pg.RollbackTx(tx)

	result, err := tx.ExecContext(ctx, `
	update simulation_runs
	set status = $2,
		metrics = $3,
		artifact_key = $4,
		exit_code = $5,
		error_message = $6,
		completed_at = current_timestamp
	where id = $1 and status = 'running'`,
		runID, status, metrics, paystore.NewNullString(artifactKey),
		exitCode, paystore.NewNullString(errorMessage))
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}

	event := JournalCompleted
	switch status {
	case StatusTimeout:
		event = JournalTimeout
	case StatusFailed:
		event = JournalFailed
	}
	if err := appendJournalTx(ctx, tx, runID, event, errorMessage); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendJournal adds one non-terminal lifecycle record
func (pg *Postgres) AppendJournal(ctx context.Context, runID uuid.UUID, event, detail string) error {
	_, err := pg.RawDB().ExecContext(ctx, `
	insert into simulation_run_journal (run_id, event, detail)
	values ($1, $2, $3)`,
		runID, event, paystore.NewNullString(detail))
	return err
}

// InsertAnonymizedErrors persists the aggregated error signatures
func (pg *Postgres) InsertAnonymizedErrors(ctx context.Context, errors []AnonymizedError) error {
	if len(errors) == 0 {
		return nil
	}
	tx, err := pg.RawDB().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer pg.RollbackTx(tx)

	for _, e := range errors {
		_, err = tx.ExecContext(ctx, `
		insert into anonymized_errors
			(run_id, error_signature, category, sdk_language, frequency, context_hash)
		values ($1, $2, $3, $4, $5, $6)`,
			e.RunID, e.ErrorSignature, e.Category, e.SDKLanguage, e.Frequency, e.ContextHash)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func appendJournalTx(ctx context.Context, tx *sqlx.Tx, runID uuid.UUID, event, detail string) error {
	_, err := tx.ExecContext(ctx, `
	insert into simulation_run_journal (run_id, event, detail)
	values ($1, $2, $3)`,
		runID, event, paystore.NewNullString(detail))
	return err
}
