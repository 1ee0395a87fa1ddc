package harness

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, seed int64, scenario Scenario) (Summary, string) {
	t.Helper()
	var out bytes.Buffer
	summary := New(seed, scenario).Run(&out)
	return summary, out.String()
}

func TestIdenticalSeedsReplayIdentically(t *testing.T) {
	scenario := Scenario{TotalRequests: 100, ErrorFrequency: 0.1, LatencyMS: 150}

	first, firstOut := run(t, 12345, scenario)
	second, secondOut := run(t, 12345, scenario)

	assert.Equal(t, first, second)
	assert.Equal(t, firstOut, secondOut, "full output replays byte for byte")
}

func TestDistinctSeedsDiffer(t *testing.T) {
	scenario := Scenario{TotalRequests: 100, ErrorFrequency: 0.1, LatencyMS: 150}

	first, _ := run(t, 1, scenario)
	second, _ := run(t, 2, scenario)

	assert.NotEqual(t, first.Metrics.AvgLatencyMS, second.Metrics.AvgLatencyMS)
}

func TestFailureCountTracksFrequency(t *testing.T) {
	summary, _ := run(t, 12345, Scenario{TotalRequests: 100, ErrorFrequency: 0.1, LatencyMS: 150})

	// jitter moves the count at most two off the 10 request target
	assert.GreaterOrEqual(t, summary.Metrics.FailedRequests, 8)
	assert.LessOrEqual(t, summary.Metrics.FailedRequests, 12)
	assert.GreaterOrEqual(t, summary.Metrics.SuccessRate, 0.88)
	assert.LessOrEqual(t, summary.Metrics.SuccessRate, 0.92)
	assert.Equal(t, "partial_success", summary.Status)
}

func TestCleanScenarioSucceeds(t *testing.T) {
	summary, out := run(t, 7, Scenario{TotalRequests: 80, ErrorFrequency: 0, LatencyMS: 100})

	assert.Equal(t, "success", summary.Status)
	assert.Equal(t, 0, summary.Metrics.FailedRequests)
	assert.Equal(t, 1.0, summary.Metrics.SuccessRate)
	assert.Empty(t, summary.Metrics.Regressions)
	assert.NotContains(t, out, `"level":"error"`)
}

func TestMostlyFailingScenarioFails(t *testing.T) {
	summary, _ := run(t, 7, Scenario{TotalRequests: 100, ErrorFrequency: 0.9, LatencyMS: 100})
	assert.Equal(t, "failed", summary.Status)
}

func TestHighLatencyFlagsRegression(t *testing.T) {
	summary, _ := run(t, 7, Scenario{TotalRequests: 60, ErrorFrequency: 0, LatencyMS: 5000})

	require.Len(t, summary.Metrics.Regressions, 1)
	assert.Contains(t, summary.Metrics.Regressions[0], "high latency")
	assert.Equal(t, "partial_success", summary.Status)
}

func TestDefaultsApplied(t *testing.T) {
	summary, _ := run(t, 7, Scenario{})

	assert.Equal(t, 100, summary.Metrics.TotalRequests)
	assert.Equal(t, 0, summary.Metrics.FailedRequests)
	assert.InDelta(t, 120, summary.Metrics.AvgLatencyMS, 120*0.5)
}

func TestSummaryIsTheFinalLine(t *testing.T) {
	_, out := run(t, 12345, Scenario{TotalRequests: 10, ErrorFrequency: 0.5, LatencyMS: 100})

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 11)

	var summary Summary
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &summary))
	assert.NotEmpty(t, summary.Status)

	// every preceding line is a per-request record, never a summary
	for _, line := range lines[:len(lines)-1] {
		var record map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		assert.Contains(t, record, "latency_ms")
	}
}

func TestErrorLinesCarryColonSignatures(t *testing.T) {
	_, out := run(t, 3, Scenario{TotalRequests: 100, ErrorFrequency: 0.2, LatencyMS: 100})

	seen := 0
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var record struct {
			Level string `json:"level"`
			Error string `json:"error"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		if record.Level == "error" {
			seen++
			assert.Contains(t, record.Error, ":")
		}
	}
	assert.Greater(t, seen, 0)
}
