package rollout

import (
	"context"
	"fmt"
	"testing"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/suite"
)

type ServiceTestSuite struct {
	suite.Suite
	store   *fakeDatastore
	service *Service
}

func TestServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

type errorRate struct {
	rate   float64
	sample int
}

// fakeDatastore holds rollouts in memory; the embedded interface panics
// on anything a test does not stub
type fakeDatastore struct {
	Datastore
	rollouts map[uuid.UUID]*Rollout
	rates    map[string]errorRate
	backups  map[string]*Backup
	attempts map[uuid.UUID]*RollbackAttempt
	stamped  []string
	reasons  map[uuid.UUID]string
	seq      int
}

func newFakeDatastore() *fakeDatastore {
	return &fakeDatastore{
		rollouts: map[uuid.UUID]*Rollout{},
		rates:    map[string]errorRate{},
		backups:  map[string]*Backup{},
		attempts: map[uuid.UUID]*RollbackAttempt{},
		reasons:  map[uuid.UUID]string{},
	}
}

func (f *fakeDatastore) CreateRollout(ctx context.Context, rollout *Rollout) (*Rollout, error) {
	rollout.ID = uuid.NewV4()
	rollout.Status = StatusActive
	// strictly increasing timestamps so "latest" is unambiguous
	f.seq++
	rollout.CreatedAt = time.Now().Add(time.Duration(f.seq) * time.Millisecond)
	f.rollouts[rollout.ID] = rollout
	return rollout, nil
}

func (f *fakeDatastore) GetRollout(ctx context.Context, id uuid.UUID) (*Rollout, error) {
	return f.rollouts[id], nil
}

func (f *fakeDatastore) GetLatestRollout(ctx context.Context, plugin string) (*Rollout, error) {
	var newest *Rollout
	for _, rollout := range f.rollouts {
		if rollout.PluginName != plugin {
			continue
		}
		if newest == nil || rollout.CreatedAt.After(newest.CreatedAt) {
			newest = rollout
		}
	}
	return newest, nil
}

func (f *fakeDatastore) ListActiveRollouts(ctx context.Context) ([]Rollout, error) {
	var active []Rollout
	for _, rollout := range f.rollouts {
		if rollout.Status == StatusActive {
			active = append(active, *rollout)
		}
	}
	return active, nil
}

func (f *fakeDatastore) SetRolloutStatus(ctx context.Context, id uuid.UUID, status, reason string) (bool, error) {
	rollout, ok := f.rollouts[id]
	if !ok || rollout.Terminal() {
		return false, nil
	}
	rollout.Status = status
	f.reasons[id] = reason
	return true, nil
}

func (f *fakeDatastore) GetUpgradeErrorRate(ctx context.Context, plugin, toVersion string, since time.Time) (float64, int, error) {
	r := f.rates[plugin+"@"+toVersion]
	return r.rate, r.sample, nil
}

func (f *fakeDatastore) GetLatestBackup(ctx context.Context, merchant, plugin, version string) (*Backup, error) {
	return f.backups[merchant+"/"+plugin+"/"+version], nil
}

func (f *fakeDatastore) InsertRollbackAttempt(ctx context.Context, attempt *RollbackAttempt) (*RollbackAttempt, error) {
	attempt.ID = uuid.NewV4()
	attempt.StartedAt = time.Now()
	f.attempts[attempt.ID] = attempt
	return attempt, nil
}

func (f *fakeDatastore) CompleteRollbackAttempt(ctx context.Context, id uuid.UUID, success bool, errorMessage string, filesRestored, dbRestored bool) (bool, error) {
	attempt, ok := f.attempts[id]
	if !ok || attempt.CompletedAt != nil {
		return false, nil
	}
	now := time.Now()
	attempt.CompletedAt = &now
	attempt.Success = &success
	return true, nil
}

func (f *fakeDatastore) SetUpgradeRollbackStatus(ctx context.Context, merchant, plugin, status string) error {
	f.stamped = append(f.stamped, merchant+"/"+plugin+"="+status)
	return nil
}

func (suite *ServiceTestSuite) SetupTest() {
	suite.store = newFakeDatastore()
	service, err := InitService(context.Background(), suite.store)
	suite.Require().NoError(err)
	suite.service = service
}

func (suite *ServiceTestSuite) createRollout(req CreateRolloutRequest) *Rollout {
	rollout, appErr := suite.service.CreateRollout(context.Background(), req)
	suite.Require().Nil(appErr)
	return rollout
}

func (suite *ServiceTestSuite) TestCreateRolloutValidation() {
	_, appErr := suite.service.CreateRollout(context.Background(), CreateRolloutRequest{
		PluginName: "pay-widget", Version: "2.0.0", Percentage: 150,
	})
	suite.Require().NotNil(appErr)

	_, appErr = suite.service.CreateRollout(context.Background(), CreateRolloutRequest{
		PluginName: "pay-widget", Version: "2.0.0", Strategy: StrategyGeo,
	})
	suite.Require().NotNil(appErr, "geo without target countries must fail")

	rollout := suite.createRollout(CreateRolloutRequest{
		PluginName: "pay-widget", Version: "2.0.0", Percentage: 10,
	})
	suite.Assert().Equal(StrategyRandom, rollout.Strategy)
	suite.Assert().Equal(0.05, rollout.ErrorThreshold)
	suite.Assert().Equal(StatusActive, rollout.Status)
}

func (suite *ServiceTestSuite) TestAdmissionIsDeterministicAndProportional() {
	suite.createRollout(CreateRolloutRequest{
		PluginName: "pay-widget", Version: "2.0.0", Percentage: 10,
	})

	admitted := map[string]bool{}
	count := 0
	for i := 0; i < 10000; i++ {
		merchant := fmt.Sprintf("merchant-%05d", i)
		ok, err := suite.service.ShouldUpgrade(context.Background(), merchant, "pay-widget", "SN", "standard")
		suite.Require().NoError(err)
		admitted[merchant] = ok
		if ok {
			count++
		}
	}

	// hash buckets spread a 10000 merchant population close to the dial
	suite.Assert().InDelta(1000, count, 100)

	// the same population admits the exact same set on replay
	for i := 0; i < 10000; i++ {
		merchant := fmt.Sprintf("merchant-%05d", i)
		ok, err := suite.service.ShouldUpgrade(context.Background(), merchant, "pay-widget", "SN", "standard")
		suite.Require().NoError(err)
		suite.Require().Equal(admitted[merchant], ok)
	}
}

func (suite *ServiceTestSuite) TestAdmissionBucketIgnoresOtherPluginTraffic() {
	a := admissionBucket("merchant-1", "pay-widget")
	b := admissionBucket("merchant-1", "pay-widget")
	suite.Assert().Equal(a, b)
	suite.Assert().NotEqual(admissionBucket("ab", "c"), admissionBucket("a", "bc"))
}

func (suite *ServiceTestSuite) TestStrategyFilters() {
	suite.createRollout(CreateRolloutRequest{
		PluginName: "geo-plugin", Version: "1.1.0", Percentage: 100,
		Strategy: StrategyGeo, TargetCountries: []string{"SN", "CI"},
	})
	suite.createRollout(CreateRolloutRequest{
		PluginName: "tier-plugin", Version: "1.1.0", Percentage: 100,
		Strategy: StrategyMerchantTier, TargetTiers: []string{"premium"},
	})

	ok, err := suite.service.ShouldUpgrade(context.Background(), "m1", "geo-plugin", "SN", "")
	suite.Require().NoError(err)
	suite.Assert().True(ok)
	ok, err = suite.service.ShouldUpgrade(context.Background(), "m1", "geo-plugin", "NG", "")
	suite.Require().NoError(err)
	suite.Assert().False(ok)

	ok, err = suite.service.ShouldUpgrade(context.Background(), "m1", "tier-plugin", "SN", "premium")
	suite.Require().NoError(err)
	suite.Assert().True(ok)
	ok, err = suite.service.ShouldUpgrade(context.Background(), "m1", "tier-plugin", "SN", "standard")
	suite.Require().NoError(err)
	suite.Assert().False(ok)
}

func (suite *ServiceTestSuite) TestPausedRolloutDeniesEveryone() {
	rollout := suite.createRollout(CreateRolloutRequest{
		PluginName: "pay-widget", Version: "2.0.0", Percentage: 100,
	})

	ok, err := suite.service.ShouldUpgrade(context.Background(), "m1", "pay-widget", "SN", "")
	suite.Require().NoError(err)
	suite.Assert().True(ok)

	_, appErr := suite.service.PauseRollout(context.Background(), rollout.ID, "operator_pause")
	suite.Require().Nil(appErr)

	ok, err = suite.service.ShouldUpgrade(context.Background(), "m1", "pay-widget", "SN", "")
	suite.Require().NoError(err)
	suite.Assert().False(ok)

	resumed, appErr := suite.service.ResumeRollout(context.Background(), rollout.ID)
	suite.Require().Nil(appErr)
	suite.Assert().Equal(StatusActive, resumed.Status)
}

func (suite *ServiceTestSuite) TestPausedLatestShadowsOlderActive() {
	older := suite.createRollout(CreateRolloutRequest{
		PluginName: "pay-widget", Version: "2.0.0", Percentage: 100,
	})
	latest := suite.createRollout(CreateRolloutRequest{
		PluginName: "pay-widget", Version: "2.1.0", Percentage: 100,
	})
	_, appErr := suite.service.PauseRollout(context.Background(), latest.ID, "bad_wave")
	suite.Require().Nil(appErr)

	// the older rollout is still active, but only the latest wave counts
	suite.Assert().Equal(StatusActive, suite.store.rollouts[older.ID].Status)
	ok, err := suite.service.ShouldUpgrade(context.Background(), "m1", "pay-widget", "SN", "")
	suite.Require().NoError(err)
	suite.Assert().False(ok)
}

func (suite *ServiceTestSuite) TestAutoPauseSweep() {
	hot := suite.createRollout(CreateRolloutRequest{
		PluginName: "hot-plugin", Version: "3.0.0", Percentage: 50, ErrorThreshold: 0.05,
	})
	thin := suite.createRollout(CreateRolloutRequest{
		PluginName: "thin-plugin", Version: "3.0.0", Percentage: 50, ErrorThreshold: 0.05,
	})
	healthy := suite.createRollout(CreateRolloutRequest{
		PluginName: "ok-plugin", Version: "3.0.0", Percentage: 50, ErrorThreshold: 0.05,
	})

	// over threshold with a real sample, over threshold on 3 upgrades, under threshold
	suite.store.rates["hot-plugin@3.0.0"] = errorRate{rate: 0.2, sample: 40}
	suite.store.rates["thin-plugin@3.0.0"] = errorRate{rate: 0.6, sample: 3}
	suite.store.rates["ok-plugin@3.0.0"] = errorRate{rate: 0.01, sample: 200}

	paused, err := suite.service.AutoPauseSweep(context.Background())
	suite.Require().NoError(err)
	suite.Assert().Equal(1, paused)

	suite.Assert().Equal(StatusPaused, suite.store.rollouts[hot.ID].Status)
	suite.Assert().Equal(StatusActive, suite.store.rollouts[thin.ID].Status)
	suite.Assert().Equal(StatusActive, suite.store.rollouts[healthy.ID].Status)
	suite.Assert().Contains(suite.store.reasons[hot.ID], "error_rate 0.2000 over 40 upgrades")

	// a second sweep over the same rates pauses nothing new
	paused, err = suite.service.AutoPauseSweep(context.Background())
	suite.Require().NoError(err)
	suite.Assert().Equal(0, paused)
}

func (suite *ServiceTestSuite) TestRollbackRequiresBackup() {
	_, appErr := suite.service.InitiateRollback(context.Background(), InitiateRollbackRequest{
		Merchant: "m1", Plugin: "pay-widget", FromVersion: "2.0.0", ToVersion: "1.9.0",
	})
	suite.Require().NotNil(appErr)
	suite.Assert().Equal(409, appErr.Code)

	suite.store.backups["m1/pay-widget/1.9.0"] = &Backup{Version: "1.9.0", Status: "completed"}

	attempt, appErr := suite.service.InitiateRollback(context.Background(), InitiateRollbackRequest{
		Merchant: "m1", Plugin: "pay-widget", FromVersion: "2.0.0", ToVersion: "1.9.0",
	})
	suite.Require().Nil(appErr)
	suite.Assert().Equal("manual", attempt.Trigger)
	suite.Assert().Nil(attempt.CompletedAt)
}

func (suite *ServiceTestSuite) TestCompleteRollbackOnce() {
	suite.store.backups["m1/pay-widget/1.9.0"] = &Backup{Version: "1.9.0", Status: "completed"}
	attempt, appErr := suite.service.InitiateRollback(context.Background(), InitiateRollbackRequest{
		Merchant: "m1", Plugin: "pay-widget", FromVersion: "2.0.0", ToVersion: "1.9.0",
	})
	suite.Require().Nil(appErr)

	appErr = suite.service.CompleteRollback(context.Background(), attempt.ID, "m1", "pay-widget",
		CompleteRollbackRequest{Success: true, FilesRestored: true, DBRestored: true})
	suite.Require().Nil(appErr)
	suite.Assert().Equal([]string{"m1/pay-widget=rolled_back"}, suite.store.stamped)

	// the first close froze the attempt
	appErr = suite.service.CompleteRollback(context.Background(), attempt.ID, "m1", "pay-widget",
		CompleteRollbackRequest{Success: false})
	suite.Require().NotNil(appErr)
	suite.Assert().Equal(409, appErr.Code)
	suite.Assert().Len(suite.store.stamped, 1)
}
