package rollout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/assert"

	appctx "github.com/sunupay/sunupay/utils/context"
)

func (f *fakeDatastore) RecordUpgrade(ctx context.Context, log *UpgradeLog) (*UpgradeLog, error) {
	log.ID = uuid.NewV4()
	return log, nil
}

func withRoles(r *http.Request, roles ...string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), appctx.OperatorRolesCTXKey, roles))
}

func TestMutatorsRequireRoles(t *testing.T) {
	router := Router(&Service{Datastore: newFakeDatastore()})
	upgrade := `{"merchant":"m1","plugin":"pay-widget","from_version":"1.0.0","to_version":"2.0.0","success":true}`
	backup := `{"merchant":"m1","plugin":"pay-widget","version":"2.0.0","path":"s3://backups/m1.tar.gz"}`

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/upgrades", strings.NewReader(upgrade)))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withRoles(
		httptest.NewRequest("POST", "/upgrades", strings.NewReader(upgrade)), "ops_plugins"))
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/backups", strings.NewReader(backup)))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withRoles(
		httptest.NewRequest("POST", "/", strings.NewReader(`{"plugin_name":"p","version":"1"}`)), "support"))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAdmissionCheckStaysOpen(t *testing.T) {
	router := Router(&Service{Datastore: newFakeDatastore()})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(
		"GET", "/should-upgrade?merchant=m1&plugin=pay-widget", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"should_upgrade":false`)
}
