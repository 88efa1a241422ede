package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/Skryldev/raw-processor/errors"
)

// ── Test helpers ──────────────────────────────────────────────────────────────

type handlerFunc func(ctx context.Context, task Task, progress func(string)) (*TaskResult, error)

func (f handlerFunc) Handle(ctx context.Context, task Task, progress func(string)) (*TaskResult, error) {
	return f(ctx, task, progress)
}

func okHandler() TaskHandler {
	return handlerFunc(func(context.Context, Task, func(string)) (*TaskResult, error) {
		return &TaskResult{}, nil
	})
}

func linTask(id string, priority int) Task {
	return Task{
		ID:       id,
		Priority: priority,
		Payload:  LinearizePayload{Raw: AdoptBuffer(make([]uint16, 4)), Meta: RawMetadata{Width: 2, Height: 2}},
	}
}

func newPool(t *testing.T, cfg PoolConfig, h TaskHandler) *WorkerPool {
	t.Helper()
	p := NewWorkerPool(cfg, h)
	p.Start()
	t.Cleanup(p.Terminate)
	return p
}

func waitTerminal(t *testing.T, ch <-chan Response) Response {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				t.Fatal("channel closed without terminal response")
			}
			if r.Terminal() {
				return r
			}
		case <-timeout:
			t.Fatal("timed out waiting for terminal response")
		}
	}
}

// ── Sizing ────────────────────────────────────────────────────────────────────

func TestPoolSize(t *testing.T) {
	cases := []struct {
		cores      int
		safe       bool
		wantSize   int
		wantSingle bool
	}{
		{1, true, 2, false},
		{2, true, 2, false},
		{4, true, 3, false},
		{5, true, 4, false},
		{64, true, 4, false},
		{64, false, 1, true},
		{0, false, 1, true},
	}
	for _, tc := range cases {
		size, single := PoolSize(tc.cores, tc.safe)
		if size != tc.wantSize || single != tc.wantSingle {
			t.Errorf("PoolSize(%d, %v) = %d,%v; want %d,%v",
				tc.cores, tc.safe, size, single, tc.wantSize, tc.wantSingle)
		}
	}
}

func TestNewWorkerPool_SingleWorkerIgnoresOverride(t *testing.T) {
	p := NewWorkerPool(PoolConfig{Workers: 8, HardwareConcurrency: 16}, okHandler())
	st := p.Stats()
	if st.TotalWorkers != 1 || !st.SingleWorkerFallback {
		t.Errorf("stats: %+v", st)
	}
}

// ── Queue discipline ──────────────────────────────────────────────────────────

func TestWorkerPool_PriorityOrderIsStable(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string

	h := handlerFunc(func(_ context.Context, task Task, _ func(string)) (*TaskResult, error) {
		if task.ID == "blocker" {
			close(started)
			<-release
			return &TaskResult{}, nil
		}
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return &TaskResult{}, nil
	})
	p := newPool(t, PoolConfig{SafeTransfer: false}, h)

	blocker, err := p.SubmitAsync(linTask("blocker", 100))
	if err != nil {
		t.Fatal(err)
	}
	<-started

	var chans []<-chan Response
	for _, tc := range []struct {
		id  string
		pri int
	}{{"low", 1}, {"high-1", 5}, {"high-2", 5}, {"mid", 3}} {
		ch, err := p.SubmitAsync(linTask(tc.id, tc.pri))
		if err != nil {
			t.Fatal(err)
		}
		chans = append(chans, ch)
	}
	if got := p.Stats().QueueLength; got != 4 {
		t.Errorf("queue length: got %d, want 4", got)
	}
	close(release)
	waitTerminal(t, blocker)
	for _, ch := range chans {
		waitTerminal(t, ch)
	}

	want := []string{"high-1", "high-2", "mid", "low"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("dispatch order: got %v, want %v", order, want)
		}
	}
}

// ── Responses ─────────────────────────────────────────────────────────────────

func TestWorkerPool_ExactlyOneTerminal(t *testing.T) {
	h := handlerFunc(func(_ context.Context, _ Task, progress func(string)) (*TaskResult, error) {
		for i := 0; i < 3*responseBuffer; i++ {
			progress("step")
		}
		return &TaskResult{IsColor: true}, nil
	})
	p := newPool(t, PoolConfig{HardwareConcurrency: 4, SafeTransfer: true}, h)

	ch, err := p.SubmitAsync(linTask("t1", 0))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	terminals, progress := 0, 0
	for r := range ch {
		if r.ID != "t1" {
			t.Errorf("response id: got %q", r.ID)
		}
		if r.Terminal() {
			terminals++
			if !r.Success || r.Result == nil || !r.Result.IsColor {
				t.Errorf("terminal: %+v", r)
			}
			continue
		}
		if terminals > 0 {
			t.Error("progress after terminal response")
		}
		progress++
	}
	if terminals != 1 {
		t.Errorf("terminal responses: got %d, want 1", terminals)
	}
	if progress == 0 {
		t.Error("expected at least one progress response")
	}
}

func TestWorkerPool_TaskErrorIsolated(t *testing.T) {
	boom := errors.New("stage failed")
	h := handlerFunc(func(_ context.Context, task Task, _ func(string)) (*TaskResult, error) {
		if task.ID == "bad" {
			return nil, boom
		}
		return &TaskResult{}, nil
	})
	p := newPool(t, PoolConfig{HardwareConcurrency: 4, SafeTransfer: true}, h)

	_, err := p.Submit(context.Background(), linTask("bad", 0))
	if !errors.Is(err, boom) {
		t.Fatalf("bad task: got %v", err)
	}
	if _, err := p.Submit(context.Background(), linTask("good", 0)); err != nil {
		t.Fatalf("good task: %v", err)
	}
	if st := p.Stats(); st.RetiredWorkers != 0 {
		t.Errorf("task error must not retire a worker: %+v", st)
	}
	if p.ErrorCount() != 1 || p.ProcessedCount() != 1 {
		t.Errorf("counters: processed=%d errors=%d", p.ProcessedCount(), p.ErrorCount())
	}
}

func TestWorkerPool_GeneratesID(t *testing.T) {
	p := newPool(t, PoolConfig{HardwareConcurrency: 2, SafeTransfer: true}, okHandler())
	task := linTask("", 0)
	r, err := p.Submit(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if r.ID == "" {
		t.Error("expected generated id")
	}
}

// ── Ownership ─────────────────────────────────────────────────────────────────

func TestWorkerPool_SubmitMovesBuffers(t *testing.T) {
	var seen []uint16
	h := handlerFunc(func(_ context.Context, task Task, _ func(string)) (*TaskResult, error) {
		seen = task.Payload.(LinearizePayload).Raw.Samples()
		return &TaskResult{}, nil
	})
	p := newPool(t, PoolConfig{}, h)

	buf := AdoptBuffer([]uint16{1, 2, 3, 4})
	task := Task{ID: "own", Payload: LinearizePayload{Raw: buf}}
	if _, err := p.Submit(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if buf.Valid() || buf.Samples() != nil {
		t.Error("sender still owns the buffer after submit")
	}
	if len(seen) != 4 || seen[3] != 4 {
		t.Errorf("worker saw %v", seen)
	}

	_, err := p.SubmitAsync(task)
	if !errors.Is(err, apperrors.ErrBufferMoved) {
		t.Errorf("resubmitting a moved buffer: got %v", err)
	}
}

func TestWorkerPool_PreviewOnlyRejected(t *testing.T) {
	p := newPool(t, PoolConfig{}, okHandler())
	plan := &MemoryPlan{Tier: TierPreviewOnly, Reason: "tiny device"}
	file := AdoptBlob([]byte{1, 2, 3})

	_, err := p.SubmitAsync(Task{Payload: FullPipelinePayload{File: file, Options: PipelineOptions{Plan: plan}}})
	if !errors.Is(err, apperrors.ErrMemoryBudget) {
		t.Fatalf("got %v, want ErrMemoryBudget", err)
	}
	if apperrors.CodeOf(err) != apperrors.CodeOutOfMemory {
		t.Errorf("code: %s", apperrors.CodeOf(err))
	}
	if !file.Valid() {
		t.Error("rejected task must leave ownership with the caller")
	}
}

// ── Failure handling ──────────────────────────────────────────────────────────

func TestWorkerPool_PanicRetiresSlot(t *testing.T) {
	h := handlerFunc(func(_ context.Context, task Task, _ func(string)) (*TaskResult, error) {
		if task.ID == "crash" {
			panic("context lost")
		}
		return &TaskResult{}, nil
	})
	p := newPool(t, PoolConfig{Workers: 2, HardwareConcurrency: 8, SafeTransfer: true}, h)

	_, err := p.Submit(context.Background(), linTask("crash", 0))
	if !errors.Is(err, apperrors.ErrWorkerFatal) {
		t.Fatalf("crash: got %v", err)
	}
	if apperrors.CodeOf(err) != apperrors.CodeWorkerCrash {
		t.Errorf("code: %s", apperrors.CodeOf(err))
	}

	// The retirement is recorded after the terminal response is sent.
	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().RetiredWorkers == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	st := p.Stats()
	if st.TotalWorkers != 1 || st.RetiredWorkers != 1 {
		t.Fatalf("stats after crash: %+v", st)
	}
	if _, err := p.Submit(context.Background(), linTask("after", 0)); err != nil {
		t.Fatalf("surviving worker: %v", err)
	}
}

func TestWorkerPool_AllRetiredRejectsSubmit(t *testing.T) {
	h := handlerFunc(func(context.Context, Task, func(string)) (*TaskResult, error) {
		return nil, apperrors.New(apperrors.CategoryWorker, "test", apperrors.ErrWorkerFatal)
	})
	p := newPool(t, PoolConfig{}, h)

	if _, err := p.Submit(context.Background(), linTask("x", 0)); !errors.Is(err, apperrors.ErrWorkerFatal) {
		t.Fatalf("got %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().TotalWorkers != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := p.SubmitAsync(linTask("y", 0)); !errors.Is(err, apperrors.ErrPoolExhausted) {
		t.Errorf("got %v, want ErrPoolExhausted", err)
	}
}

func TestWorkerPool_TerminateFailsQueued(t *testing.T) {
	p := NewWorkerPool(PoolConfig{}, okHandler())
	ch, err := p.SubmitAsync(linTask("queued", 0))
	if err != nil {
		t.Fatal(err)
	}
	p.Terminate()

	r := waitTerminal(t, ch)
	if r.Success || !errors.Is(r.Err, apperrors.ErrPoolClosed) {
		t.Errorf("queued task after terminate: %+v", r)
	}
	if _, err := p.SubmitAsync(linTask("late", 0)); !errors.Is(err, apperrors.ErrPoolClosed) {
		t.Errorf("submit after terminate: %v", err)
	}
}

func TestWorkerPool_QueueFull(t *testing.T) {
	p := NewWorkerPool(PoolConfig{QueueSize: 1}, okHandler())
	t.Cleanup(p.Terminate)
	if _, err := p.SubmitAsync(linTask("a", 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := p.SubmitAsync(linTask("b", 0)); !errors.Is(err, apperrors.ErrWorkerPoolFull) {
		t.Errorf("got %v, want ErrWorkerPoolFull", err)
	}
}

func TestWorkerPool_SubmitContextCancel(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	h := handlerFunc(func(context.Context, Task, func(string)) (*TaskResult, error) {
		<-release
		close(done)
		return &TaskResult{}, nil
	})
	p := newPool(t, PoolConfig{}, h)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Submit(ctx, linTask("slow", 0)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("abandoned task was not completed")
	}
}

func BenchmarkWorkerPool_Submit(b *testing.B) {
	p := NewWorkerPool(PoolConfig{HardwareConcurrency: 5, SafeTransfer: true}, okHandler())
	p.Start()
	defer p.Terminate()
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.Submit(ctx, linTask("", i%3)); err != nil {
			b.Fatal(err)
		}
	}
}
