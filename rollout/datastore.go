package rollout

import (
	"context"
	"database/sql"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/sunupay/sunupay/datastore/paystore"
)

// Datastore abstracts over the underlying datastore
type Datastore interface {
	paystore.Datastore
	// CreateRollout persists a new rollout in active status
	CreateRollout(ctx context.Context, rollout *Rollout) (*Rollout, error)
	// GetRollout by id, nil when unknown
	GetRollout(ctx context.Context, id uuid.UUID) (*Rollout, error)
	// GetLatestRollout returns the newest rollout for the plugin in any
	// status, nil when the plugin has none
	GetLatestRollout(ctx context.Context, pluginName string) (*Rollout, error)
	// ListActiveRollouts for the auto-pause sweep
	ListActiveRollouts(ctx context.Context) ([]Rollout, error)
	// SetRolloutStatus transitions a non-terminal rollout; false when the
	// row was already terminal or missing
	SetRolloutStatus(ctx context.Context, id uuid.UUID, status string, reason string) (bool, error)
	// GetUpgradeErrorRate over upgrades to the rollout version in the window
	GetUpgradeErrorRate(ctx context.Context, pluginName, version string, since time.Time) (float64, int, error)
	// RecordUpgrade appends an upgrade outcome to the log
	RecordUpgrade(ctx context.Context, log *UpgradeLog) (*UpgradeLog, error)
	// SetUpgradeRollbackStatus stamps the newest upgrade log row for the
	// merchant and plugin with the outcome of the last rollback attempt
	SetUpgradeRollbackStatus(ctx context.Context, merchant, plugin, status string) error
	// InsertBackup records a completed pre-upgrade backup
	InsertBackup(ctx context.Context, backup *Backup) (*Backup, error)
	// GetLatestBackup returns the newest completed unexpired backup, nil
	// when none is eligible; an empty version matches any
	GetLatestBackup(ctx context.Context, merchant, plugin, version string) (*Backup, error)
	// DeleteExpiredBackups removes backups past their retention window
	DeleteExpiredBackups(ctx context.Context) (int64, error)
	// InsertRollbackAttempt opens a rollback attempt record
	InsertRollbackAttempt(ctx context.Context, attempt *RollbackAttempt) (*RollbackAttempt, error)
	// CompleteRollbackAttempt closes an open attempt; false when already closed
	CompleteRollbackAttempt(ctx context.Context, id uuid.UUID, success bool, errorMessage string, filesRestored, dbRestored bool) (bool, error)
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

// CreateRollout persists a new rollout in active status
func (pg *Postgres) CreateRollout(ctx context.Context, rollout *Rollout) (*Rollout, error) {
	stored := Rollout{}
	err := pg.RawDB().GetContext(ctx, &stored, `
	insert into plugin_rollouts
		(plugin_name, version, percentage, strategy, target_countries, target_tiers, error_threshold, status)
	values ($1, $2, $3, $4, $5, $6, $7, 'active')
	returning *`,
		rollout.PluginName, rollout.Version, rollout.Percentage, rollout.Strategy,
		rollout.TargetCountries, rollout.TargetTiers, rollout.ErrorThreshold,
	)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetRollout by id, nil when unknown
func (pg *Postgres) GetRollout(ctx context.Context, id uuid.UUID) (*Rollout, error) {
	rollouts := []Rollout{}
	err := pg.RawDB().SelectContext(ctx, &rollouts,
		`select * from plugin_rollouts where id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(rollouts) > 0 {
		return &rollouts[0], nil
	}
	return nil, nil
}

// GetLatestRollout returns the newest rollout for the plugin in any
// status. Admission looks only at the latest wave, so a paused newest
// rollout must shadow any older active one.
func (pg *Postgres) GetLatestRollout(ctx context.Context, pluginName string) (*Rollout, error) {
	rollouts := []Rollout{}
	err := pg.RawDB().SelectContext(ctx, &rollouts, `
	select * from plugin_rollouts
	where plugin_name = $1
	order by created_at desc
	limit 1`, pluginName)
	if err != nil {
		return nil, err
	}
	if len(rollouts) > 0 {
		return &rollouts[0], nil
	}
	return nil, nil
}

// ListActiveRollouts for the auto-pause sweep
func (pg *Postgres) ListActiveRollouts(ctx context.Context) ([]Rollout, error) {
	rollouts := []Rollout{}
	err := pg.RawDB().SelectContext(ctx, &rollouts,
		`select * from plugin_rollouts where status = 'active' order by created_at`)
	if err != nil {
		return nil, err
	}
	return rollouts, nil
}

// SetRolloutStatus transitions a non-terminal rollout. The where clause
// excludes terminal rows so completed and rolled_back stay frozen no
// matter how many sweeps or operators race on the same rollout.
func (pg *Postgres) SetRolloutStatus(ctx context.Context, id uuid.UUID, status string, reason string) (bool, error) {
	result, err := pg.RawDB().ExecContext(ctx, `
	update plugin_rollouts
	set status = $2,
		metadata = coalesce(metadata, '{}'::jsonb) || jsonb_build_object('status_reason', $3::text),
		updated_at = current_timestamp
	where id = $1 and status not in ('completed', 'rolled_back')`,
		id, status, reason)
	if err != nil {
		return false, err
	}
	count, err := result.RowsAffected()
	return count > 0, err
}

// GetUpgradeErrorRate over upgrades to the rollout version in the window
func (pg *Postgres) GetUpgradeErrorRate(ctx context.Context, pluginName, version string, since time.Time) (float64, int, error) {
	var row struct {
		Total  int `db:"total"`
		Failed int `db:"failed"`
	}
	err := pg.RawDB().GetContext(ctx, &row, `
	select count(*) as total,
		count(*) filter ( where not success ) as failed
	from plugin_upgrade_logs
	where plugin = $1 and to_version = $2 and created_at >= $3`,
		pluginName, version, since)
	if err != nil {
		return 0, 0, err
	}
	if row.Total == 0 {
		return 0, 0, nil
	}
	return float64(row.Failed) / float64(row.Total), row.Total, nil
}

// RecordUpgrade appends an upgrade outcome to the log
func (pg *Postgres) RecordUpgrade(ctx context.Context, log *UpgradeLog) (*UpgradeLog, error) {
	stored := UpgradeLog{}
	err := pg.RawDB().GetContext(ctx, &stored, `
	insert into plugin_upgrade_logs (merchant, plugin, from_version, to_version, success, error_message)
	values ($1, $2, $3, $4, $5, $6)
	returning *`,
		log.Merchant, log.Plugin, log.FromVersion, log.ToVersion, log.Success, log.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// SetUpgradeRollbackStatus stamps the newest upgrade log row for the
// merchant and plugin. Only the latest attempt outcome is kept; the full
// history lives in plugin_rollback_attempts.
func (pg *Postgres) SetUpgradeRollbackStatus(ctx context.Context, merchant, plugin, status string) error {
	_, err := pg.RawDB().ExecContext(ctx, `
	update plugin_upgrade_logs
	set rollback_status = $3
	where id = (
		select id from plugin_upgrade_logs
		where merchant = $1 and plugin = $2
		order by created_at desc
		limit 1
	)`, merchant, plugin, status)
	return err
}

// InsertBackup records a completed pre-upgrade backup
func (pg *Postgres) InsertBackup(ctx context.Context, backup *Backup) (*Backup, error) {
	stored := Backup{}
	err := pg.RawDB().GetContext(ctx, &stored, `
	insert into plugin_backups
		(merchant, plugin, version, path, db_snapshot, size_bytes, status, expires_at)
	values ($1, $2, $3, $4, $5, $6, $7, $8)
	returning *`,
		backup.Merchant, backup.Plugin, backup.Version, backup.Path,
		backup.DBSnapshot, backup.SizeBytes, backup.Status, backup.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetLatestBackup returns the newest completed unexpired backup, nil when
// none is eligible; an empty version matches any
func (pg *Postgres) GetLatestBackup(ctx context.Context, merchant, plugin, version string) (*Backup, error) {
	backup := Backup{}
	err := pg.RawDB().GetContext(ctx, &backup, `
	select * from plugin_backups
	where merchant = $1 and plugin = $2
		and ( $3 = '' or version = $3 )
		and status = 'completed'
		and expires_at > current_timestamp
	order by created_at desc
	limit 1`, merchant, plugin, version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &backup, nil
}

// DeleteExpiredBackups removes backups past their retention window
func (pg *Postgres) DeleteExpiredBackups(ctx context.Context) (int64, error) {
	result, err := pg.RawDB().ExecContext(ctx,
		`delete from plugin_backups where expires_at <= current_timestamp`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// InsertRollbackAttempt opens a rollback attempt record
func (pg *Postgres) InsertRollbackAttempt(ctx context.Context, attempt *RollbackAttempt) (*RollbackAttempt, error) {
	stored := RollbackAttempt{}
	err := pg.RawDB().GetContext(ctx, &stored, `
	insert into plugin_rollback_attempts
		(merchant, plugin, from_version, to_version, trigger_kind, reason, started_at)
	values ($1, $2, $3, $4, $5, $6, current_timestamp)
	returning *`,
		attempt.Merchant, attempt.Plugin, attempt.FromVersion, attempt.ToVersion,
		attempt.Trigger, attempt.Reason,
	)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// CompleteRollbackAttempt closes an open attempt; false when already closed
func (pg *Postgres) CompleteRollbackAttempt(ctx context.Context, id uuid.UUID, success bool, errorMessage string, filesRestored, dbRestored bool) (bool, error) {
	var msg interface{}
	if errorMessage != "" {
		msg = errorMessage
	}
	result, err := pg.RawDB().ExecContext(ctx, `
	update plugin_rollback_attempts
	set completed_at = current_timestamp,
		success = $2,
		error_message = $3,
		files_restored = $4,
		db_restored = $5,
		duration_ms = ( extract(epoch from (current_timestamp - started_at)) * 1000 )::bigint
	where id = $1 and completed_at is null`,
		id, success, msg, filesRestored, dbRestored)
	if err != nil {
		return false, err
	}
	count, err := result.RowsAffected()
	return count > 0, err
}
