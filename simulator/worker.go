package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sunupay/sunupay/datastore/paystore"
	"github.com/sunupay/sunupay/utils/logging"
)

const (
	// maxRunTime is the hard wall clock per run, enforced by sandbox kill
	maxRunTime = 180 * time.Second
	// timeoutExitCode is what a killed sandbox reports
	timeoutExitCode = 124

	idleSleep  = 5 * time.Second
	errorSleep = 10 * time.Second
)

var countRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "simulation_runs_total",
		Help: "count of simulation runs processed ( since last start ) broken down by status",
	},
	[]string{"status"},
)

func init() {
	if err := prometheus.Register(countRunsTotal); err != nil {
		if ae, ok := err.(prometheus.AlreadyRegisteredError); ok {
			countRunsTotal = ae.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// Worker drains the run queue, executing each run in a sandbox
type Worker struct {
	Datastore     Datastore
	runtime       Runtime
	artifacts     ArtifactStore
	workspaceRoot string
}

// NewWorker creates a worker over the passed collaborators. A nil artifact
// store leaves runs functional but unarchived.
func NewWorker(datastore Datastore, runtime Runtime, artifacts ArtifactStore, workspaceRoot string) *Worker {
	if workspaceRoot == "" {
		workspaceRoot = os.TempDir()
	}
	return &Worker{
		Datastore:     datastore,
		runtime:       runtime,
		artifacts:     artifacts,
		workspaceRoot: workspaceRoot,
	}
}

// Run loops until the context is cancelled, dequeuing and executing runs
func (w *Worker) Run(ctx context.Context) {
	logger := logging.Logger(ctx, "simulator.Worker")
	for {
		if ctx.Err() != nil {
			return
		}

		run, err := w.Datastore.DequeueRun(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("dequeue failed")
			sleep(ctx, errorSleep)
			continue
		}
		if run == nil {
			sleep(ctx, idleSleep)
			continue
		}

		if err := w.Process(ctx, run); err != nil {
			logger.Error().Err(err).Str("run_id", run.ID.String()).Msg("run pipeline failed")
			w.failRun(ctx, run, err, logger)
			sleep(ctx, errorSleep)
		}
	}
}

// Process executes one claimed run end to end
func (w *Worker) Process(ctx context.Context, run *Run) error {
	logger := logging.Logger(ctx, "simulator.Process")

	simulation, err := w.Datastore.GetSimulation(ctx, run.SimulationID)
	if err != nil {
		return err
	}
	if simulation == nil {
		return fmt.Errorf("simulation %s not found", run.SimulationID)
	}

	var patch *Patch
	if simulation.PatchReference.Valid && simulation.PatchReference.String != "" {
		patch, err = w.Datastore.GetPatch(ctx, simulation.PatchReference.String)
		if err != nil {
			return err
		}
	}

	workspace, err := w.prepareWorkspace(run, simulation, patch)
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(workspace) }()

	containerID, err := w.runtime.Create(
		ctx, SandboxImage(simulation.SDKLanguage), workspace, run.Seed, run.ID.String())
	if err != nil {
		return err
	}
	defer w.removeSandbox(containerID, logger)

	if err := w.Datastore.SetRunContainer(ctx, run.ID, containerID); err != nil {
		return err
	}
	if err := w.runtime.Start(ctx, containerID); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, maxRunTime)
	defer cancel()
	result, err := w.runtime.Wait(waitCtx, containerID)
	if err != nil {
		return err
	}

	logs, err := w.runtime.Logs(ctx, containerID)
	if err != nil {
		logger.Warn().Err(err).Str("run_id", run.ID.String()).Msg("log collection failed")
	}

	summary, parsed := parseSummary(logs)
	key := ""
	if w.artifacts != nil && len(logs) > 0 {
		key, err = w.artifacts.Archive(ctx, run.ID.String(), logs)
		if err != nil {
			logger.Warn().Err(err).Str("run_id", run.ID.String()).Msg("artifact archival failed")
			key = ""
		}
	}

	status, errorMessage := finalStatus(result, summary, parsed)
	metrics := paystore.Metadata{}
	if parsed {
		metrics = summary.asMetadata()
	}

	err = w.Datastore.CompleteRun(ctx, run.ID, status, metrics, key, result.ExitCode, errorMessage)
	if err != nil {
		return err
	}
	countRunsTotal.WithLabelValues(status).Inc()

	anonymized := AnonymizeErrors(run.ID, simulation.SDKLanguage, logs, summary.Metrics.TotalRequests)
	if err := w.Datastore.InsertAnonymizedErrors(ctx, anonymized); err != nil {
		logger.Warn().Err(err).Str("run_id", run.ID.String()).Msg("anonymized error insert failed")
	}
	return nil
}

// prepareWorkspace materializes scenario.json plus patch code for the mount
func (w *Worker) prepareWorkspace(run *Run, simulation *Simulation, patch *Patch) (string, error) {
	workspace := filepath.Join(w.workspaceRoot, "sim-"+run.ID.String())
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", err
	}

	scenario, err := json.Marshal(map[string]interface{}{
		"seed":     run.Seed,
		"scenario": simulation.Scenario,
	})
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(workspace, "scenario.json"), scenario, 0o644); err != nil {
		return "", err
	}

	if patch != nil {
		if err := os.WriteFile(filepath.Join(workspace, "patch.js"), []byte(patch.PatchCode), 0o644); err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(workspace, "rollback.js"), []byte(patch.RollbackCode), 0o644); err != nil {
			return "", err
		}
	}
	return workspace, nil
}

// failRun drives the run to failed after a pipeline error; the journal
// entry lands with the terminal update
func (w *Worker) failRun(ctx context.Context, run *Run, cause error, logger *zerolog.Logger) {
	err := w.Datastore.CompleteRun(ctx, run.ID, StatusFailed, paystore.Metadata{}, "", -1, cause.Error())
	if err != nil {
		logger.Error().Err(err).Str("run_id", run.ID.String()).Msg("failed to mark run failed")
		return
	}
	countRunsTotal.WithLabelValues(StatusFailed).Inc()
}

func (w *Worker) removeSandbox(containerID string, logger *zerolog.Logger) {
	// removal gets its own context; the run context may already be dead
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.runtime.Remove(ctx, containerID); err != nil {
		logger.Warn().Err(err).Str("container_id", containerID).Msg("sandbox removal failed")
	}
}

// parseSummary extracts the final JSON line summary from the harness output
func parseSummary(logs []byte) (Summary, bool) {
	lines := strings.Split(string(logs), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		raw := strings.TrimSpace(lines[i])
		if raw == "" {
			continue
		}
		var summary Summary
		if err := json.Unmarshal([]byte(raw), &summary); err == nil && summary.Status != "" {
			return summary, true
		}
		// only the last JSON line counts as the summary
		break
	}
	return Summary{}, false
}

// finalStatus reconciles the exit code with the parsed summary
func finalStatus(result WaitResult, summary Summary, parsed bool) (string, string) {
	if result.TimedOut || result.ExitCode == timeoutExitCode {
		return StatusTimeout, "run exceeded the wall clock limit"
	}
	if !parsed {
		return StatusFailed, "no summary line in sandbox output"
	}
	if result.ExitCode != 0 && summary.Status == StatusSuccess {
		return StatusFailed, fmt.Sprintf("sandbox exited %d despite success summary", result.ExitCode)
	}
	switch summary.Status {
	case StatusSuccess, StatusPartialSuccess, StatusFailed:
		return summary.Status, ""
	}
	return StatusFailed, fmt.Sprintf("unknown summary status %q", summary.Status)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
