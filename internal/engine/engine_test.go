package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loomkit/loom/internal/entity"
	"github.com/loomkit/loom/internal/journal"
	"github.com/loomkit/loom/internal/logging"
)

func setupEngine(t *testing.T, config *Config) *Engine {
	t.Helper()
	j, err := journal.Open(":memory:", &journal.Config{Logger: logging.NewNop()})
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	if config == nil {
		config = &Config{}
	}
	if config.Logger == nil {
		config.Logger = logging.NewNop()
	}
	if !config.Watch {
		// Keep the in-memory journal alive across cycles unless the test
		// explicitly exercises one-shot release.
		config.Watch = true
	}
	e := New(j, config)
	t.Cleanup(e.Close)
	return e
}

// recorder collects event names from hooks running on multiple goroutines.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) index(name string) int {
	for i, e := range r.snapshot() {
		if e == name {
			return i
		}
	}
	return -1
}

func (r *recorder) hook(name string) Hook {
	return func(ctx context.Context) error {
		r.add(name)
		return nil
	}
}

func TestStartRunsPhasesInOrder(t *testing.T) {
	e := setupEngine(t, nil)
	rec := &recorder{}

	regs := []struct {
		name     string
		register func(Hook) error
	}{
		{"initialize", e.OnInitialize},
		{"initialized", e.OnInitialized},
		{"load", e.OnLoad},
		{"loaded", e.OnLoaded},
		{"import", e.OnImport},
		{"imported", e.OnImported},
		{"process", e.OnProcess},
		{"processed", e.OnProcessed},
		{"persist", e.OnPersist},
		{"persisted", e.OnPersisted},
		{"beforeRender", e.OnBeforeRender},
		{"afterRender", e.OnAfterRender},
		{"finalize", e.OnFinalize},
		{"finalized", e.OnFinalized},
	}
	for _, reg := range regs {
		if err := reg.register(rec.hook(reg.name)); err != nil {
			t.Fatalf("failed to register %s hook: %v", reg.name, err)
		}
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	got := rec.snapshot()
	want := []string{
		"initialize", "initialized", "load", "loaded", "import", "imported",
		"process", "processed", "persist", "persisted",
		"beforeRender", "afterRender", "finalize", "finalized",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestHooksRunInRegistrationOrder(t *testing.T) {
	e := setupEngine(t, nil)
	rec := &recorder{}

	for i := 0; i < 3; i++ {
		if err := e.OnProcess(rec.hook(fmt.Sprintf("process-%d", i))); err != nil {
			t.Fatalf("failed to register hook: %v", err)
		}
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	got := rec.snapshot()
	for i := 0; i < 3; i++ {
		if got[i] != fmt.Sprintf("process-%d", i) {
			t.Fatalf("expected registration order, got %v", got)
		}
	}
}

func TestOnceHookRunsOnce(t *testing.T) {
	e := setupEngine(t, &Config{Debounce: 10 * time.Millisecond})
	rec := &recorder{}

	if err := e.OnProcess(Once(rec.hook("once"))); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := e.RequestCycle(context.Background()); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}

	if got := len(rec.snapshot()); got != 1 {
		t.Errorf("expected once hook to run a single time, ran %d times", got)
	}
}

func TestRegistryFrozenAfterStart(t *testing.T) {
	e := setupEngine(t, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	nop := func(ctx context.Context) error { return nil }
	if err := e.OnProcess(nop); !errors.Is(err, ErrRegistryFrozen) {
		t.Errorf("expected ErrRegistryFrozen from OnProcess, got %v", err)
	}
	if err := e.OnCancelled(nop); !errors.Is(err, ErrRegistryFrozen) {
		t.Errorf("expected ErrRegistryFrozen from OnCancelled, got %v", err)
	}
	err := e.OnSync("", func(ctx context.Context, n Notification) (Verdict, error) {
		return NoOpinion, nil
	})
	if !errors.Is(err, ErrRegistryFrozen) {
		t.Errorf("expected ErrRegistryFrozen from OnSync, got %v", err)
	}
	err = e.OnValidate([]entity.Operation{entity.OperationCreate},
		func(ctx context.Context, entry *journal.Entry) (bool, error) { return true, nil })
	if !errors.Is(err, ErrRegistryFrozen) {
		t.Errorf("expected ErrRegistryFrozen from OnValidate, got %v", err)
	}
}

func TestHookErrorStopsPhase(t *testing.T) {
	e := setupEngine(t, nil)
	rec := &recorder{}
	boom := errors.New("boom")

	if err := e.OnProcess(func(ctx context.Context) error { return boom }); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}
	if err := e.OnProcess(rec.hook("late-process")); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}
	if err := e.OnProcessed(rec.hook("processed")); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}

	err := e.Start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("expected no hooks after the failing one, got %v", got)
	}
}

func TestCancelRoutesThroughCancelPhases(t *testing.T) {
	e := setupEngine(t, nil)
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.OnProcess(func(ctx context.Context) error {
		rec.add("process")
		cancel()
		return nil
	}); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}
	if err := e.OnProcessed(rec.hook("processed")); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}
	if err := e.OnFinalized(rec.hook("finalized")); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}
	if err := e.OnCancel(rec.hook("cancel")); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}
	if err := e.OnCancelled(rec.hook("cancelled")); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}

	if err := e.Start(ctx); err != nil {
		t.Fatalf("expected cancelled cycle to resolve cleanly, got %v", err)
	}

	got := rec.snapshot()
	want := []string{"process", "cancel", "cancelled"}
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestAbortRestartDoesNotInterleave(t *testing.T) {
	e := setupEngine(t, nil)
	rec := &recorder{}

	started := make(chan struct{})
	var calls int
	var callsMu sync.Mutex

	if err := e.OnProcess(func(ctx context.Context) error {
		callsMu.Lock()
		calls++
		n := calls
		callsMu.Unlock()
		if n == 1 {
			rec.add("process-1")
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		rec.add("process-2")
		return nil
	}); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}
	if err := e.OnCancelled(rec.hook("cancelled")); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}
	if err := e.OnFinalized(rec.hook("finalized")); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.RequestCycle(context.Background())
	}()
	<-started

	// Cancels the running cycle and waits for its abort before starting over.
	if err := e.RequestCycle(context.Background()); err != nil {
		t.Fatalf("restarted cycle failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("aborted cycle should resolve cleanly, got %v", err)
	}

	cancelled := rec.index("cancelled")
	restarted := rec.index("process-2")
	finalized := rec.index("finalized")
	if cancelled < 0 || restarted < 0 || finalized < 0 {
		t.Fatalf("missing events: %v", rec.snapshot())
	}
	if cancelled > restarted {
		t.Errorf("new cycle started before the aborted one settled: %v", rec.snapshot())
	}
	if restarted > finalized {
		t.Errorf("expected restarted cycle to finalize: %v", rec.snapshot())
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		verdicts []Verdict
		want     bool
	}{
		{"no handlers", nil, true},
		{"all no opinion", []Verdict{NoOpinion, NoOpinion}, true},
		{"relevant wins", []Verdict{NoOpinion, Relevant}, true},
		{"relevant beats irrelevant", []Verdict{Irrelevant, Relevant}, true},
		{"irrelevant skips", []Verdict{Irrelevant, NoOpinion}, false},
		{"single irrelevant", []Verdict{Irrelevant}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Aggregate(tt.verdicts); got != tt.want {
				t.Errorf("Aggregate(%v) = %v, want %v", tt.verdicts, got, tt.want)
			}
		})
	}
}

func TestSyncScopesHandlersByCollection(t *testing.T) {
	e := setupEngine(t, nil)
	rec := &recorder{}

	handler := func(name string, v Verdict) SyncHandler {
		return func(ctx context.Context, n Notification) (Verdict, error) {
			rec.add(name)
			return v, nil
		}
	}
	if err := e.OnSync("posts", handler("posts", Irrelevant)); err != nil {
		t.Fatalf("failed to register handler: %v", err)
	}
	if err := e.OnSync("", handler("unscoped", NoOpinion)); err != nil {
		t.Fatalf("failed to register handler: %v", err)
	}

	relevant, err := e.Sync(context.Background(), Notification{Collection: "pages", Action: ActionUpdate})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !relevant {
		t.Error("expected no-opinion aggregate to build")
	}
	if got := rec.snapshot(); len(got) != 1 || got[0] != "unscoped" {
		t.Errorf("expected only the unscoped handler to run, got %v", got)
	}

	relevant, err = e.Sync(context.Background(), Notification{Collection: "posts", Action: ActionUpdate})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if relevant {
		t.Error("expected irrelevant verdict to skip the build")
	}
}

func TestSyncHandlerErrorIsFatal(t *testing.T) {
	e := setupEngine(t, nil)
	boom := errors.New("boom")

	err := e.OnSync("", func(ctx context.Context, n Notification) (Verdict, error) {
		return NoOpinion, boom
	})
	if err != nil {
		t.Fatalf("failed to register handler: %v", err)
	}

	if _, err := e.Sync(context.Background(), Notification{Action: ActionTrigger}); !errors.Is(err, boom) {
		t.Errorf("expected handler error to propagate, got %v", err)
	}
}

func TestTriggerSyncDebouncesCycle(t *testing.T) {
	e := setupEngine(t, &Config{Debounce: 20 * time.Millisecond})
	rec := &recorder{}

	if err := e.OnProcess(rec.hook("process")); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if got := len(rec.snapshot()); got != 1 {
		t.Fatalf("expected one startup cycle, got %d", got)
	}

	// A burst of notifications collapses into one cycle.
	for i := 0; i < 5; i++ {
		relevant, err := e.TriggerSync(context.Background(), Notification{Action: ActionTrigger})
		if err != nil {
			t.Fatalf("trigger sync failed: %v", err)
		}
		if !relevant {
			t.Fatal("expected trigger notification to be relevant")
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.snapshot()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for debounced cycle")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Give a straggler cycle a chance to fire before counting.
	time.Sleep(60 * time.Millisecond)
	if got := len(rec.snapshot()); got != 2 {
		t.Errorf("expected exactly one debounced cycle, got %d total", got)
	}
}

func TestCloseDrainsScheduledCycle(t *testing.T) {
	e := setupEngine(t, &Config{Debounce: time.Millisecond})

	entered := make(chan struct{})
	var finished atomic.Bool
	if err := e.OnProcess(func(ctx context.Context) error {
		close(entered)
		time.Sleep(10 * time.Millisecond)
		return nil
	}); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}
	if err := e.OnFinalized(func(ctx context.Context) error {
		finished.Store(true)
		return nil
	}); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}

	if _, err := e.TriggerSync(context.Background(), Notification{Action: ActionTrigger}); err != nil {
		t.Fatalf("trigger sync failed: %v", err)
	}
	<-entered

	// The debounce callback is mid-cycle; Close must wait it out so the
	// caller can safely tear down the journal afterwards.
	e.Close()
	if !finished.Load() {
		t.Error("close returned while the scheduled cycle was still running")
	}
}

func TestCloseStopsPendingTimer(t *testing.T) {
	e := setupEngine(t, &Config{Debounce: 50 * time.Millisecond})

	var ran atomic.Bool
	if err := e.OnProcess(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}

	if _, err := e.TriggerSync(context.Background(), Notification{Action: ActionTrigger}); err != nil {
		t.Fatalf("trigger sync failed: %v", err)
	}
	e.Close()

	time.Sleep(120 * time.Millisecond)
	if ran.Load() {
		t.Error("a cycle started after close")
	}
}

func TestValidatorRejectsWrite(t *testing.T) {
	e := setupEngine(t, nil)

	err := e.OnValidate([]entity.Operation{entity.OperationCreate},
		func(ctx context.Context, entry *journal.Entry) (bool, error) {
			return entry.Entity.Name != "", nil
		})
	if err != nil {
		t.Fatalf("failed to register validator: %v", err)
	}

	ctx := context.Background()
	if err := e.CreateEntity(ctx, &entity.Entity{ID: "/posts/a.md"}); err != nil {
		t.Fatalf("rejected write should not error: %v", err)
	}
	if err := e.CreateEntity(ctx, &entity.Entity{ID: "/posts/b.md", Name: "b.md"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	// The validator is scoped to creates; updates pass through.
	if err := e.UpdateEntity(ctx, &entity.Entity{ID: "/posts/c.md"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	total, err := e.Journal().Count(ctx, nil)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 journal entries after validation, got %d", total)
	}
}

func TestValidatorErrorDropsWrite(t *testing.T) {
	e := setupEngine(t, nil)

	err := e.OnValidate([]entity.Operation{entity.OperationRender},
		func(ctx context.Context, entry *journal.Entry) (bool, error) {
			return false, errors.New("broken validator")
		})
	if err != nil {
		t.Fatalf("failed to register validator: %v", err)
	}

	ctx := context.Background()
	err = e.RenderEntity(ctx, &entity.Entity{ID: "/posts/a.md"}, entity.Options{}, nil)
	if err != nil {
		t.Fatalf("dropped write should not error: %v", err)
	}
	total, err := e.Journal().Count(ctx, nil)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 0 {
		t.Errorf("expected dropped write, found %d entries", total)
	}
}

func TestCleanFinalizePurgesJournal(t *testing.T) {
	e := setupEngine(t, nil)

	if err := e.OnProcess(func(ctx context.Context) error {
		return e.CreateEntity(ctx, &entity.Entity{ID: "/posts/a.md"})
	}); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	total, err := e.Journal().Count(context.Background(), nil)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 0 {
		t.Errorf("expected journal purged after finalize, found %d entries", total)
	}
}

func TestOneShotReleasesJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.Open(path, &journal.Config{Logger: logging.NewNop()})
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	e := New(j, &Config{Logger: logging.NewNop()})
	defer e.Close()

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected journal file removed after one-shot run, stat err: %v", err)
	}
}
