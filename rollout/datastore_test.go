package rollout

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/suite"

	"github.com/sunupay/sunupay/datastore/paystore"
)

type PostgresTestSuite struct {
	suite.Suite
	pg   *Postgres
	mock sqlmock.Sqlmock
}

func TestPostgresTestSuite(t *testing.T) {
	suite.Run(t, new(PostgresTestSuite))
}

func (suite *PostgresTestSuite) SetupTest() {
	db, mock, err := sqlmock.New()
	suite.Require().NoError(err)
	suite.mock = mock
	suite.pg = &Postgres{paystore.Postgres{DB: sqlx.NewDb(db, "postgres")}}
}

func (suite *PostgresTestSuite) TearDownTest() {
	suite.Require().NoError(suite.mock.ExpectationsWereMet())
}

func (suite *PostgresTestSuite) TestGetLatestRolloutReturnsAnyStatus() {
	id := uuid.NewV4()

	// the newest row comes back even when paused; admission decides on
	// status afterwards, never by skipping to an older active rollout
	suite.mock.ExpectQuery("select \\* from plugin_rollouts").
		WithArgs("pay-widget").
		WillReturnRows(sqlmock.NewRows([]string{"id", "plugin_name", "version", "status"}).
			AddRow(id.String(), "pay-widget", "2.1.0", StatusPaused))

	rollout, err := suite.pg.GetLatestRollout(context.Background(), "pay-widget")
	suite.Require().NoError(err)
	suite.Require().NotNil(rollout)
	suite.Assert().Equal(StatusPaused, rollout.Status)
	suite.Assert().Equal("2.1.0", rollout.Version)
}

func (suite *PostgresTestSuite) TestSetRolloutStatusSkipsTerminalRows() {
	id := uuid.NewV4()

	suite.mock.ExpectExec("update plugin_rollouts").
		WithArgs(id, StatusPaused, "operator_pause").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := suite.pg.SetRolloutStatus(context.Background(), id, StatusPaused, "operator_pause")
	suite.Require().NoError(err)
	suite.Assert().True(ok)

	// a terminal row matches nothing and reports false
	suite.mock.ExpectExec("update plugin_rollouts").
		WithArgs(id, StatusPaused, "operator_pause").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = suite.pg.SetRolloutStatus(context.Background(), id, StatusPaused, "operator_pause")
	suite.Require().NoError(err)
	suite.Assert().False(ok)
}

func (suite *PostgresTestSuite) TestGetUpgradeErrorRate() {
	since := time.Now().Add(-time.Hour)

	suite.mock.ExpectQuery("select count").
		WithArgs("pay-widget", "2.0.0", since).
		WillReturnRows(sqlmock.NewRows([]string{"total", "failed"}).AddRow(40, 8))

	rate, sample, err := suite.pg.GetUpgradeErrorRate(context.Background(), "pay-widget", "2.0.0", since)
	suite.Require().NoError(err)
	suite.Assert().Equal(0.2, rate)
	suite.Assert().Equal(40, sample)

	// zero upgrades observed yields a zero rate, not a division error
	suite.mock.ExpectQuery("select count").
		WithArgs("pay-widget", "2.0.0", since).
		WillReturnRows(sqlmock.NewRows([]string{"total", "failed"}).AddRow(0, 0))

	rate, sample, err = suite.pg.GetUpgradeErrorRate(context.Background(), "pay-widget", "2.0.0", since)
	suite.Require().NoError(err)
	suite.Assert().Equal(0.0, rate)
	suite.Assert().Equal(0, sample)
}

func (suite *PostgresTestSuite) TestGetLatestBackupNoRows() {
	suite.mock.ExpectQuery("select \\* from plugin_backups").
		WithArgs("m1", "pay-widget", "1.9.0").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	backup, err := suite.pg.GetLatestBackup(context.Background(), "m1", "pay-widget", "1.9.0")
	suite.Require().NoError(err)
	suite.Assert().Nil(backup)
}

func (suite *PostgresTestSuite) TestCompleteRollbackAttemptOnlyOnce() {
	id := uuid.NewV4()

	suite.mock.ExpectExec("update plugin_rollback_attempts").
		WithArgs(id, true, nil, true, true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := suite.pg.CompleteRollbackAttempt(context.Background(), id, true, "", true, true)
	suite.Require().NoError(err)
	suite.Assert().True(ok)

	// the open-row guard makes the second close a no-op
	suite.mock.ExpectExec("update plugin_rollback_attempts").
		WithArgs(id, true, nil, true, true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = suite.pg.CompleteRollbackAttempt(context.Background(), id, true, "", true, true)
	suite.Require().NoError(err)
	suite.Assert().False(ok)
}

func (suite *PostgresTestSuite) TestDeleteExpiredBackups() {
	suite.mock.ExpectExec("delete from plugin_backups").
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := suite.pg.DeleteExpiredBackups(context.Background())
	suite.Require().NoError(err)
	suite.Assert().Equal(int64(3), removed)
}
