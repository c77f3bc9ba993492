package dispatch

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/opthub-org/opthub-runner/pkg/executor"
	"github.com/opthub-org/opthub-runner/pkg/history"
	"github.com/opthub-org/opthub-runner/pkg/log"
	"github.com/opthub-org/opthub-runner/pkg/match"
	"github.com/opthub-org/opthub-runner/pkg/metrics"
	"github.com/opthub-org/opthub-runner/pkg/model"
	"github.com/opthub-org/opthub-runner/pkg/opthuberr"
	"github.com/opthub-org/opthub-runner/pkg/queue"
	"github.com/opthub-org/opthub-runner/pkg/store"
)

// fakeQueue replays a fixed list of messages and then reports cancellation,
// mimicking a worker draining its queue and being asked to stop.
type fakeQueue struct {
	mu       sync.Mutex
	messages []queue.Message
	next     int
	deleted  int
}

func (q *fakeQueue) CheckAccessible(ctx context.Context) error { return nil }

func (q *fakeQueue) GetMessage(ctx context.Context) (queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.next >= len(q.messages) {
		return queue.Message{}, opthuberr.ErrCancelled
	}
	m := q.messages[q.next]
	q.next++
	return m, nil
}

func (q *fakeQueue) DeleteMessage(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted++
	return nil
}

func (q *fakeQueue) WakeUpVisibilityExtender(ctx context.Context) {}

// fakeStore is a minimal in-memory store.Store sufficient to exercise the
// dispatch loop's persistence and idempotency checks.
type fakeStore struct {
	mu    sync.Mutex
	items map[string]store.Item
}

func newFakeStore() *fakeStore { return &fakeStore{items: map[string]store.Item{}} }

func (s *fakeStore) key(k store.Key) string { return k.ID + "\x00" + k.Trial }

func (s *fakeStore) set(id, trial string, item store.Item) {
	s.items[s.key(store.Key{ID: id, Trial: trial})] = item
}

func (s *fakeStore) CheckAccessible(ctx context.Context) error { return nil }

func (s *fakeStore) GetItem(ctx context.Context, k store.Key) (store.Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[s.key(k)]
	return item, ok, nil
}

func (s *fakeStore) PutItem(ctx context.Context, item store.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := store.Key{ID: stringAttr(item["ID"]), Trial: stringAttr(item["Trial"])}
	if _, exists := s.items[s.key(k)]; exists {
		return nil
	}
	s.items[s.key(k)] = item
	return nil
}

func (s *fakeStore) QueryRange(ctx context.Context, partitionKey, fromSort, toSort string, projection []string) ([]store.Item, error) {
	return nil, nil
}

func stringAttr(av ddbtypes.AttributeValue) string {
	if s, ok := av.(*ddbtypes.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

// fakeResolver resolves every match ID to a fixed Match, or returns a fixed
// error when errToReturn is set.
type fakeResolver struct {
	m           match.Match
	errToReturn error
}

func (r *fakeResolver) FetchMatch(ctx context.Context, matchID string) (match.Match, error) {
	if r.errToReturn != nil {
		return match.Match{}, r.errToReturn
	}
	return r.m, nil
}

// fakeExecutor returns a fixed result or error for every Execute call.
type fakeExecutor struct {
	result map[string]any
	err    error
	calls  int
}

func (e *fakeExecutor) Execute(ctx context.Context, spec executor.Spec) (map[string]any, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

func newTestLoop(mode Mode, q *fakeQueue, s *fakeStore, resolver match.Resolver, exec executor.Executor, m *metrics.Metrics) *Loop {
	cfg := Config{Mode: mode, Command: []string{"run"}, Timeout: time.Second, Remove: true}
	cache := history.NewCache("")
	logger := log.New(log.Config{})
	return New(cfg, q, s, resolver, exec, cache, nil, m, logger)
}

func TestRunEvaluatorSuccessPath(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore()
	s.set("Solutions#match1#p1", "0001", store.Item{
		"ID":       &ddbtypes.AttributeValueMemberS{Value: "Solutions#match1#p1"},
		"Trial":    &ddbtypes.AttributeValueMemberS{Value: "0001"},
		"Variable": &ddbtypes.AttributeValueMemberN{Value: "3.5"},
	})

	q := &fakeQueue{messages: []queue.Message{
		{MatchID: "match1", ParticipantID: "p1", Trial: "0001", TrialNo: "0001"},
	}}
	resolver := &fakeResolver{m: match.Match{ProblemImage: "problem:latest"}}
	exec := &fakeExecutor{result: map[string]any{"objective": 1.5}}
	m, reg := metrics.New()

	loop := newTestLoop(Evaluator, q, s, resolver, exec, m)
	code := loop.Run(ctx)

	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if exec.calls != 1 {
		t.Errorf("got %d executor calls, want 1", exec.calls)
	}
	if q.deleted != 1 {
		t.Errorf("got %d deletes, want 1", q.deleted)
	}

	_, ok, err := s.GetItem(ctx, store.Key{ID: "Evaluations#match1#p1", Trial: "Success#0001"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected a persisted success evaluation record")
	}

	rec := httptest.NewRecorder()
	metricsReq := httptest.NewRequest("GET", "/metrics", nil)
	metrics.Handler(reg).ServeHTTP(rec, metricsReq)
	if !strings.Contains(rec.Body.String(), "opthub_runner_container_duration_seconds_count 1") {
		t.Errorf("expected one container duration observation after a successful run, got %q", rec.Body.String())
	}
}

func TestRunFatalOnDockerImageNotFound(t *testing.T) {
	q := &fakeQueue{messages: []queue.Message{
		{MatchID: "match1", ParticipantID: "p1", Trial: "0001", TrialNo: "0001"},
	}}
	s := newFakeStore()
	resolver := &fakeResolver{errToReturn: opthuberr.ErrDockerImageNotFound}
	exec := &fakeExecutor{}
	m, _ := metrics.New()

	loop := newTestLoop(Evaluator, q, s, resolver, exec, m)
	code := loop.Run(context.Background())

	if code != 1 {
		t.Errorf("got exit code %d, want 1", code)
	}
	if exec.calls != 0 {
		t.Errorf("expected executor never called, got %d calls", exec.calls)
	}
}

func TestRunPersistsFailureOnContainerError(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore()
	s.set("Solutions#match1#p1", "0001", store.Item{
		"ID": &ddbtypes.AttributeValueMemberS{Value: "Solutions#match1#p1"},
		"Trial": &ddbtypes.AttributeValueMemberS{Value: "0001"},
		"Variable": &ddbtypes.AttributeValueMemberN{Value: "1"},
	})

	q := &fakeQueue{messages: []queue.Message{
		{MatchID: "match1", ParticipantID: "p1", Trial: "0001", TrialNo: "0001"},
	}}
	resolver := &fakeResolver{m: match.Match{ProblemImage: "problem:latest"}}
	exec := &fakeExecutor{err: &opthuberr.ContainerRuntimeError{Message: "solver crashed"}}
	m, _ := metrics.New()

	loop := newTestLoop(Evaluator, q, s, resolver, exec, m)
	code := loop.Run(ctx)

	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if q.deleted != 1 {
		t.Errorf("expected message deleted after failure path, got %d", q.deleted)
	}

	item, ok, err := s.GetItem(ctx, store.Key{ID: "Evaluations#match1#p1", Trial: "Failed#0001"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a persisted failed evaluation record")
	}
	if got := stringAttr(item["ErrorMessage"]); got != "solver crashed" {
		t.Errorf("got ErrorMessage %q, want the container's own message surfaced verbatim", got)
	}
}

func TestRunSkipsAlreadyPersistedMessage(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore()
	if err := model.SaveSuccessEvaluation(ctx, s, model.SuccessEvaluationInput{
		MatchID: "match1", ParticipantID: "p1", TrialNo: "0001", Objective: 1.0,
	}); err != nil {
		t.Fatal(err)
	}

	q := &fakeQueue{messages: []queue.Message{
		{MatchID: "match1", ParticipantID: "p1", Trial: "0001", TrialNo: "0001"},
	}}
	resolver := &fakeResolver{m: match.Match{ProblemImage: "problem:latest"}}
	exec := &fakeExecutor{result: map[string]any{"objective": 1.0}}
	m, _ := metrics.New()

	loop := newTestLoop(Evaluator, q, s, resolver, exec, m)
	code := loop.Run(ctx)

	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if exec.calls != 0 {
		t.Errorf("expected executor skipped for already-persisted message, got %d calls", exec.calls)
	}
	if q.deleted != 1 {
		t.Errorf("expected the redelivered message to still be acknowledged, got %d deletes", q.deleted)
	}
}

func TestRunRespectsJobLimit(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore()
	s.set("Solutions#match1#p1", "0001", store.Item{
		"ID": &ddbtypes.AttributeValueMemberS{Value: "Solutions#match1#p1"},
		"Trial": &ddbtypes.AttributeValueMemberS{Value: "0001"},
		"Variable": &ddbtypes.AttributeValueMemberN{Value: "1"},
	})
	s.set("Solutions#match1#p1", "0002", store.Item{
		"ID": &ddbtypes.AttributeValueMemberS{Value: "Solutions#match1#p1"},
		"Trial": &ddbtypes.AttributeValueMemberS{Value: "0002"},
		"Variable": &ddbtypes.AttributeValueMemberN{Value: "2"},
	})

	q := &fakeQueue{messages: []queue.Message{
		{MatchID: "match1", ParticipantID: "p1", Trial: "0001", TrialNo: "0001"},
		{MatchID: "match1", ParticipantID: "p1", Trial: "0002", TrialNo: "0002"},
	}}
	resolver := &fakeResolver{m: match.Match{ProblemImage: "problem:latest"}}
	exec := &fakeExecutor{result: map[string]any{"objective": 1.0}}
	m, _ := metrics.New()

	one := 1
	cfg := Config{Mode: Evaluator, Command: []string{"run"}, Timeout: time.Second, NumJobs: &one}
	logger := log.New(log.Config{})
	loop := New(cfg, q, s, resolver, exec, history.NewCache(""), nil, m, logger)

	code := loop.Run(ctx)

	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if exec.calls != 1 {
		t.Errorf("got %d executor calls, want exactly 1 under the job limit", exec.calls)
	}
}

func TestRunFatalWhenQueueInaccessible(t *testing.T) {
	q := &alwaysInaccessibleQueue{}
	s := newFakeStore()
	resolver := &fakeResolver{}
	exec := &fakeExecutor{}
	m, _ := metrics.New()

	cfg := Config{Mode: Evaluator, Command: []string{"run"}, Timeout: time.Second}
	logger := log.New(log.Config{})
	loop := New(cfg, q, s, resolver, exec, history.NewCache(""), nil, m, logger)

	code := loop.Run(context.Background())
	if code != 1 {
		t.Errorf("got exit code %d, want 1", code)
	}
}

type alwaysInaccessibleQueue struct{}

func (alwaysInaccessibleQueue) CheckAccessible(ctx context.Context) error {
	return opthuberr.ErrQueueUnavailable
}
func (alwaysInaccessibleQueue) GetMessage(ctx context.Context) (queue.Message, error) {
	return queue.Message{}, opthuberr.ErrCancelled
}
func (alwaysInaccessibleQueue) DeleteMessage(ctx context.Context) error { return nil }
func (alwaysInaccessibleQueue) WakeUpVisibilityExtender(ctx context.Context) {}
