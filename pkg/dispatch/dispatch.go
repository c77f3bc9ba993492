// Package dispatch implements C10: the shared evaluator/scorer dispatch
// loop — poll, resolve, guard, execute, persist, acknowledge — with the
// error-taxonomy-driven failure path and graceful-shutdown state machine.
// It mirrors opthub_runner_admin's evaluator/main.py and scorer/main.py,
// which share nearly all of this shape apart from which image runs and
// what the container's stdin/success record look like.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opthub-org/opthub-runner/pkg/executor"
	"github.com/opthub-org/opthub-runner/pkg/history"
	"github.com/opthub-org/opthub-runner/pkg/log"
	"github.com/opthub-org/opthub-runner/pkg/match"
	"github.com/opthub-org/opthub-runner/pkg/metrics"
	"github.com/opthub-org/opthub-runner/pkg/model"
	"github.com/opthub-org/opthub-runner/pkg/opthuberr"
	"github.com/opthub-org/opthub-runner/pkg/queue"
	"github.com/opthub-org/opthub-runner/pkg/store"
	"github.com/opthub-org/opthub-runner/pkg/stopflag"
	"github.com/opthub-org/opthub-runner/pkg/trialno"
)

// Mode selects which half of the shared loop shape runs.
type Mode int

const (
	Evaluator Mode = iota
	Scorer
)

// maxMessageLength is the cap applied to both ErrorMessage and
// AdminErrorMessage, matching the original implementation's truncation
// bound.
const maxMessageLength = 16384

// Config holds the per-run settings the loop needs beyond its
// collaborators.
type Config struct {
	Mode    Mode
	Command []string
	Timeout time.Duration
	Remove  bool
	NumJobs *int // optional job limit; nil means unlimited
}

// Loop orchestrates a single evaluator or scorer worker.
type Loop struct {
	cfg      Config
	queue    queue.Queue
	store    store.Store
	resolver match.Resolver
	executor executor.Executor
	cache    *history.Cache
	stop     *stopflag.Coordinator
	metrics  *metrics.Metrics
	logger   *log.Logger
}

// New builds a Loop from its collaborators.
func New(cfg Config, q queue.Queue, s store.Store, resolver match.Resolver, exec executor.Executor, cache *history.Cache, stop *stopflag.Coordinator, m *metrics.Metrics, logger *log.Logger) *Loop {
	return &Loop{cfg: cfg, queue: q, store: s, resolver: resolver, executor: exec, cache: cache, stop: stop, metrics: m, logger: logger}
}

// outcome is the disposition of one processed message.
type outcome int

const (
	outcomeContinue outcome = iota
	outcomeHalt
	outcomeFatal
)

// Run executes Phase 0 once, then iterates Phases 1-8 until cancellation,
// the stop flag, a fatal error, or the configured job limit. It returns the
// process exit code: 0 for a clean halt, 1 for a fatal startup or
// authorization failure.
func (l *Loop) Run(ctx context.Context) int {
	if err := l.queue.CheckAccessible(ctx); err != nil {
		l.logger.Error("queue not accessible", "error", err)
		return 1
	}
	if err := l.store.CheckAccessible(ctx); err != nil {
		l.logger.Error("store not accessible", "error", err)
		return 1
	}
	l.queue.WakeUpVisibilityExtender(ctx)

	jobsDone := 0
	for {
		if l.cfg.NumJobs != nil && jobsDone >= *l.cfg.NumJobs {
			return 0
		}
		if l.stopFlagSet() {
			return 0
		}

		msg, err := l.queue.GetMessage(ctx)
		if err != nil {
			if errors.Is(err, opthuberr.ErrCancelled) {
				return 0
			}
			l.logger.Warn("failed to receive message", "error", err)
			continue
		}
		l.metrics.JobsReceived.Inc()

		switch l.processMessage(ctx, msg) {
		case outcomeFatal:
			return 1
		case outcomeHalt:
			return 0
		case outcomeContinue:
			jobsDone++
		}
	}
}

// processMessage runs Phases 2-8 for a single received message.
func (l *Loop) processMessage(ctx context.Context, msg queue.Message) outcome {
	m, err := l.resolver.FetchMatch(ctx, msg.MatchID)
	if err != nil {
		if errors.Is(err, opthuberr.ErrDockerImageNotFound) {
			l.logger.Error("fatal: match resolution failed", "match_id", msg.MatchID, "error", err)
			return outcomeFatal
		}
		l.logger.Warn("match resolution failed, skipping message", "error", err)
		return outcomeContinue
	}

	exists, err := l.alreadyPersisted(ctx, msg)
	if err != nil {
		l.logger.Warn("idempotency check failed", "error", err)
	} else if exists {
		if delErr := l.queue.DeleteMessage(ctx); delErr != nil {
			l.logger.Warn("failed to delete already-persisted message", "error", delErr)
		}
		return outcomeContinue
	}

	return l.execute(ctx, msg, m)
}

func (l *Loop) alreadyPersisted(ctx context.Context, msg queue.Message) (bool, error) {
	if l.cfg.Mode == Evaluator {
		success, err := model.IsEvaluationExists(ctx, l.store, msg.MatchID, msg.ParticipantID, trialno.SuccessKey(msg.TrialNo))
		if err != nil || success {
			return success, err
		}
		return model.IsEvaluationExists(ctx, l.store, msg.MatchID, msg.ParticipantID, trialno.FailedKey(msg.TrialNo))
	}
	success, err := model.IsScoreExists(ctx, l.store, msg.MatchID, msg.ParticipantID, trialno.SuccessKey(msg.TrialNo))
	if err != nil || success {
		return success, err
	}
	return model.IsScoreExists(ctx, l.store, msg.MatchID, msg.ParticipantID, trialno.FailedKey(msg.TrialNo))
}

// execute runs Phases 4-8, dispatching to the failure path on any error.
func (l *Loop) execute(ctx context.Context, msg queue.Message, m match.Match) outcome {
	var startedAt, finishedAt string

	if err := l.checkCancel(ctx); err != nil {
		return l.fail(msg, startedAt, finishedAt, err)
	}

	var stdin []string
	var image string
	var env map[string]string
	var historyTrial history.Trial

	switch l.cfg.Mode {
	case Evaluator:
		solution, err := model.FetchSolution(ctx, l.store, msg.MatchID, msg.ParticipantID, msg.TrialNo)
		if err != nil {
			return l.fail(msg, startedAt, finishedAt, err)
		}
		encoded, err := json.Marshal(solution.Variable)
		if err != nil {
			return l.fail(msg, startedAt, finishedAt, fmt.Errorf("encode solution variable: %w", err))
		}
		stdin = []string{string(encoded)}
		image = m.ProblemImage
		env = m.ProblemEnvironment

	case Scorer:
		eval, err := model.FetchSuccessEvaluation(ctx, l.store, msg.MatchID, msg.ParticipantID, msg.TrialNo)
		if err != nil {
			return l.fail(msg, startedAt, finishedAt, err)
		}

		width := len(msg.TrialNo)
		n, err := strconv.Atoi(msg.TrialNo)
		if err != nil {
			return l.fail(msg, startedAt, finishedAt, fmt.Errorf("parse trial_no %q: %w", msg.TrialNo, err))
		}
		prevTrialNo := "0"
		if n > 0 {
			prevTrialNo, err = trialno.ZFill(n-1, width)
			if err != nil {
				return l.fail(msg, startedAt, finishedAt, err)
			}
		}

		trials, err := history.MakeHistory(ctx, l.cache, l.store, msg.MatchID, msg.ParticipantID, prevTrialNo, width)
		if err != nil {
			return l.fail(msg, startedAt, finishedAt, err)
		}

		current := map[string]any{
			"objective":  eval.Objective,
			"constraint": eval.Constraint,
			"info":       eval.Info,
			"feasible":   eval.Feasible,
		}
		currentLine, err := json.Marshal(current)
		if err != nil {
			return l.fail(msg, startedAt, finishedAt, fmt.Errorf("encode current evaluation: %w", err))
		}
		historyLine, err := json.Marshal(trials)
		if err != nil {
			return l.fail(msg, startedAt, finishedAt, fmt.Errorf("encode history: %w", err))
		}
		stdin = []string{string(currentLine), string(historyLine)}
		image = m.IndicatorImage
		env = m.IndicatorEnvironment
		historyTrial = history.Trial{
			TrialNo:    msg.TrialNo,
			Objective:  eval.Objective,
			Constraint: eval.Constraint,
			Info:       eval.Info,
			Feasible:   eval.Feasible,
		}
	}

	if err := l.checkCancel(ctx); err != nil {
		return l.fail(msg, startedAt, finishedAt, err)
	}

	startedAt = nowISO()
	executionStart := time.Now()
	result, err := l.executor.Execute(ctx, executor.Spec{
		Image:       image,
		Environment: env,
		Command:     l.cfg.Command,
		Timeout:     l.cfg.Timeout,
		Remove:      l.cfg.Remove,
		Stdin:       stdin,
	})
	finishedAt = nowISO()
	l.metrics.ContainerDuration.Observe(time.Since(executionStart).Seconds())
	if err != nil {
		return l.fail(msg, startedAt, finishedAt, err)
	}

	if err := l.checkCancel(ctx); err != nil {
		return l.fail(msg, startedAt, finishedAt, err)
	}

	switch l.cfg.Mode {
	case Evaluator:
		if err := l.persistSuccessEvaluation(ctx, msg, startedAt, finishedAt, result); err != nil {
			return l.fail(msg, startedAt, finishedAt, err)
		}
	case Scorer:
		score, err := extractScore(result)
		if err != nil {
			return l.fail(msg, startedAt, finishedAt, err)
		}
		historyTrial.Score = score
		if err := model.SaveSuccessScore(ctx, l.store, model.SuccessScoreInput{
			MatchID: msg.MatchID, ParticipantID: msg.ParticipantID, TrialNo: msg.TrialNo,
			CreatedAt: nowISO(), StartedAt: startedAt, FinishedAt: finishedAt, Score: score,
		}); err != nil {
			return l.fail(msg, startedAt, finishedAt, err)
		}
	}

	if err := l.queue.DeleteMessage(ctx); err != nil {
		l.logger.Warn("failed to delete message after success", "error", err)
	}

	if l.cfg.Mode == Scorer {
		if err := l.cache.Append(historyTrial); err != nil {
			l.logger.Warn("failed to update history cache", "error", err)
		}
	}

	l.metrics.JobsSucceeded.Inc()
	return outcomeContinue
}

func (l *Loop) persistSuccessEvaluation(ctx context.Context, msg queue.Message, startedAt, finishedAt string, result map[string]any) error {
	objective, ok := result["objective"]
	if !ok {
		return fmt.Errorf("container output missing required field \"objective\"")
	}
	constraint := result["constraint"]
	info := result["info"]
	if info == nil {
		info = map[string]any{}
	}
	var feasible *bool
	if fb, ok := result["feasible"].(bool); ok {
		feasible = &fb
	}

	return model.SaveSuccessEvaluation(ctx, l.store, model.SuccessEvaluationInput{
		MatchID: msg.MatchID, ParticipantID: msg.ParticipantID, TrialNo: msg.TrialNo,
		CreatedAt: nowISO(), StartedAt: startedAt, FinishedAt: finishedAt,
		Objective: objective, Constraint: constraint, Info: info, Feasible: feasible,
	})
}

func extractScore(result map[string]any) (float64, error) {
	raw, ok := result["score"]
	if !ok || raw == nil {
		return 0, &opthuberr.ContainerRuntimeError{Message: "indicator output missing required field \"score\""}
	}
	score, ok := raw.(float64)
	if !ok {
		return 0, &opthuberr.ContainerRuntimeError{Message: "indicator output field \"score\" is not numeric"}
	}
	return score, nil
}

// fail implements the failure path shared by every error raised during
// Phases 4-8: build and persist a Failed record, acknowledge the message,
// and halt only if the triggering error was a cancellation.
func (l *Loop) fail(msg queue.Message, startedAt, finishedAt string, cause error) outcome {
	now := nowISO()
	if startedAt == "" {
		startedAt = now
	}
	if finishedAt == "" {
		finishedAt = now
	}

	errorMessage := opthuberr.InternalServerError
	var runtimeErr *opthuberr.ContainerRuntimeError
	if errors.As(cause, &runtimeErr) {
		errorMessage = runtimeErr.Message
	}
	adminMessage := cause.Error()

	errorMessage = opthuberr.TruncateCenter(errorMessage, maxMessageLength)
	adminMessage = opthuberr.TruncateCenter(adminMessage, maxMessageLength)

	// Persisting the failure and acknowledging the message must not be
	// abandoned partway through just because the triggering cause was a
	// cancellation; use a fresh background context for these two calls.
	bg := context.Background()
	input := model.FailedRecordInput{
		MatchID: msg.MatchID, ParticipantID: msg.ParticipantID, TrialNo: msg.TrialNo,
		CreatedAt: now, StartedAt: startedAt, FinishedAt: finishedAt,
		ErrorMessage: errorMessage, AdminErrorMessage: adminMessage,
	}

	var saveErr error
	if l.cfg.Mode == Evaluator {
		saveErr = model.SaveFailedEvaluation(bg, l.store, input)
	} else {
		saveErr = model.SaveFailedScore(bg, l.store, input)
	}
	if saveErr != nil {
		l.logger.Error("failed to persist failed record", "error", saveErr)
	}
	if delErr := l.queue.DeleteMessage(bg); delErr != nil {
		l.logger.Error("failed to delete message after failure", "error", delErr)
	}

	l.metrics.JobsFailed.WithLabelValues(errorClass(cause)).Inc()
	l.logger.Warn("job failed", "match_id", msg.MatchID, "participant_id", msg.ParticipantID, "trial_no", msg.TrialNo, "error", cause)

	if errors.Is(cause, opthuberr.ErrCancelled) {
		return outcomeHalt
	}
	return outcomeContinue
}

func (l *Loop) checkCancel(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", opthuberr.ErrCancelled, ctx.Err())
	}
	if l.stopFlagSet() {
		return opthuberr.ErrCancelled
	}
	return nil
}

func (l *Loop) stopFlagSet() bool {
	if l.stop == nil {
		return false
	}
	stopped, err := l.stop.IsStopFlagSet()
	if err != nil {
		l.logger.Warn("failed to read stop flag", "error", err)
		return false
	}
	return stopped
}

// errorClass buckets cause into the taxonomy §7 uses for the jobs_failed
// metric label.
func errorClass(cause error) string {
	switch {
	case errors.Is(cause, opthuberr.ErrCancelled):
		return "cancellation"
	case isContainerRuntimeError(cause),
		errors.Is(cause, opthuberr.ErrContainerTimeout),
		errors.Is(cause, opthuberr.ErrParseFailure):
		return "job_local"
	case errors.Is(cause, opthuberr.ErrEvaluationNotFound),
		errors.Is(cause, opthuberr.ErrSolutionNotFound),
		errors.Is(cause, opthuberr.ErrHistoryInconsistency):
		return "data"
	default:
		return "unknown"
	}
}

func isContainerRuntimeError(err error) bool {
	var runtimeErr *opthuberr.ContainerRuntimeError
	return errors.As(err, &runtimeErr)
}

// nowISO returns the current UTC time as an ISO-8601 string with
// millisecond precision, e.g. "2026-07-30T12:00:00.000Z" — the timestamp
// format every persisted record uses.
func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000") + "Z"
}
