package simulator

import (
	"testing"

	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSummaryTakesTheFinalLine(t *testing.T) {
	logs := []byte(`{"level":"info","request":0,"latency_ms":101.5,"message":"request completed"}
{"level":"error","request":1,"latency_ms":98.2,"error":"GatewayTimeout: upstream did not answer in time"}
{"status":"partial_success","metrics":{"success_rate":0.5,"avg_latency_ms":99.85,"total_requests":2,"failed_requests":1}}
`)

	summary, parsed := parseSummary(logs)
	require.True(t, parsed)
	assert.Equal(t, StatusPartialSuccess, summary.Status)
	assert.Equal(t, 2, summary.Metrics.TotalRequests)
	assert.Equal(t, 0.5, summary.Metrics.SuccessRate)
}

func TestParseSummaryIgnoresBuriedSummaries(t *testing.T) {
	// a summary shaped line that is not last does not count
	logs := []byte(`{"status":"success","metrics":{"total_requests":1}}
panic: runtime error
`)
	_, parsed := parseSummary(logs)
	assert.False(t, parsed)
}

func TestParseSummaryEmptyAndGarbage(t *testing.T) {
	_, parsed := parseSummary(nil)
	assert.False(t, parsed)

	_, parsed = parseSummary([]byte("segfault\n\n\n"))
	assert.False(t, parsed)

	// trailing blank lines do not hide the summary
	summary, parsed := parseSummary([]byte("{\"status\":\"success\",\"metrics\":{}}\n\n\n"))
	require.True(t, parsed)
	assert.Equal(t, StatusSuccess, summary.Status)
}

func TestFinalStatus(t *testing.T) {
	cases := []struct {
		name           string
		result         WaitResult
		summary        Summary
		parsed         bool
		expectedStatus string
	}{
		{"timeout flag wins", WaitResult{ExitCode: 137, TimedOut: true}, Summary{Status: StatusSuccess}, true, StatusTimeout},
		{"timeout exit code wins", WaitResult{ExitCode: 124}, Summary{Status: StatusSuccess}, true, StatusTimeout},
		{"no summary", WaitResult{ExitCode: 0}, Summary{}, false, StatusFailed},
		{"nonzero exit contradicts success", WaitResult{ExitCode: 2}, Summary{Status: StatusSuccess}, true, StatusFailed},
		{"clean success", WaitResult{ExitCode: 0}, Summary{Status: StatusSuccess}, true, StatusSuccess},
		{"partial success passes through", WaitResult{ExitCode: 0}, Summary{Status: StatusPartialSuccess}, true, StatusPartialSuccess},
		{"failed summary with failing exit", WaitResult{ExitCode: 1}, Summary{Status: StatusFailed}, true, StatusFailed},
		{"unknown status collapses to failed", WaitResult{ExitCode: 0}, Summary{Status: "flaky"}, true, StatusFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, _ := finalStatus(tc.result, tc.summary, tc.parsed)
			assert.Equal(t, tc.expectedStatus, status)
		})
	}
}

func TestAnonymizeErrors(t *testing.T) {
	runID := uuid.NewV4()
	logs := []byte(`{"level":"error","error":"GatewayTimeout: upstream did not answer in time"}
{"level":"error","error":"GatewayTimeout: upstream did not answer in time"}
{"level":"error","error":"AuthError: merchant credentials rejected"}
{"level":"error","error":"ValidationError: malformed card number"}
{"level":"error","message":"uncaught exception in callback"}
{"level":"info","message":"request completed"}
not json at all
`)

	errors := AnonymizeErrors(runID, "node", logs, 100)
	require.Len(t, errors, 4)

	bySignature := map[string]AnonymizedError{}
	for _, e := range errors {
		bySignature[e.ErrorSignature] = e
		assert.Equal(t, runID, e.RunID)
		assert.Equal(t, "node", e.SDKLanguage)
		assert.Len(t, e.ContextHash, 16)
	}

	gateway := bySignature["GatewayTimeout"]
	assert.Equal(t, "performance", gateway.Category)
	assert.Equal(t, 0.02, gateway.Frequency)

	assert.Equal(t, "auth", bySignature["AuthError"].Category)
	assert.Equal(t, "validation", bySignature["ValidationError"].Category)

	// an error level message without a colon keeps its whole text as signature
	assert.Equal(t, "runtime", bySignature["uncaught exception in callback"].Category)
	assert.Equal(t, 0.01, bySignature["uncaught exception in callback"].Frequency)
}

func TestAnonymizeErrorsZeroVolume(t *testing.T) {
	assert.Nil(t, AnonymizeErrors(uuid.NewV4(), "php", []byte(`{"level":"error","error":"AuthError: x"}`), 0))
}

func TestSandboxImageMapping(t *testing.T) {
	assert.Equal(t, sandboxImages["node"], SandboxImage("node"))
	assert.Equal(t, sandboxImages["php"], SandboxImage("woocommerce"))
	assert.Equal(t, sandboxImages["node"], SandboxImage("shopify"))
	assert.Equal(t, defaultSandboxImage, SandboxImage("cobol"))
}
