package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/alfredjeanlab/convgraph/internal/generation"
	"github.com/alfredjeanlab/convgraph/internal/model"
)

// fakeGenerator runs fn for each call, counting calls.
type fakeGenerator struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req *generation.Request, call int) (<-chan generation.Chunk, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, req *generation.Request) (<-chan generation.Chunk, error) {
	n := int(f.calls.Add(1))
	return f.fn(ctx, req, n)
}

// streamOf returns a closed channel holding the given deltas and a final chunk.
func streamOf(deltas ...string) <-chan generation.Chunk {
	ch := make(chan generation.Chunk, len(deltas)+1)
	for _, d := range deltas {
		ch <- generation.Chunk{Delta: d}
	}
	ch <- generation.Chunk{Done: true, FinishReason: "stop", Usage: &model.Usage{TotalTokens: len(deltas)}}
	close(ch)
	return ch
}

func drain(t *testing.T, tk *Ticket) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-tk.Events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("job %s did not finish; events so far: %+v", tk.JobID, out)
		}
	}
}

func types(evs []Event) []EventType {
	out := make([]EventType, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func newTestDispatcher(t *testing.T, gen generation.Generator, cfg Config) *Dispatcher {
	t.Helper()
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Millisecond
	}
	d := New(gen, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func TestSubmit_QueueFullDoesNotBlock(t *testing.T) {
	gen := &fakeGenerator{fn: func(context.Context, *generation.Request, int) (<-chan generation.Chunk, error) {
		return streamOf("x"), nil
	}}
	m := NewMetrics(prometheus.NewRegistry())
	d := newTestDispatcher(t, gen, Config{Workers: 1, QueueCapacity: 2, Metrics: m})

	for i, node := range []string{"n-1", "n-2"} {
		if _, err := d.Submit(node, PriorityNormal, &generation.Request{}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := d.Submit("n-3", PriorityNormal, &generation.Request{})
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueFull) || !model.IsKind(err, model.KindCapacity) {
			t.Fatalf("expected ErrQueueFull, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}
	if got := testutil.ToFloat64(m.Rejected); got != 1 {
		t.Errorf("rejected = %v", got)
	}
	if got := testutil.ToFloat64(m.Queued); got != 2 {
		t.Errorf("queue depth = %v", got)
	}
}

func TestPriorityOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	gen := &fakeGenerator{fn: func(_ context.Context, req *generation.Request, _ int) (<-chan generation.Chunk, error) {
		mu.Lock()
		order = append(order, req.NodeID)
		mu.Unlock()
		return streamOf("ok"), nil
	}}
	d := newTestDispatcher(t, gen, Config{Workers: 1})

	submit := []struct {
		node string
		p    Priority
	}{
		{"low", PriorityLow},
		{"normal-1", PriorityNormal},
		{"high-1", PriorityHigh},
		{"normal-2", PriorityNormal},
		{"high-2", PriorityHigh},
	}
	var tickets []*Ticket
	for _, s := range submit {
		tk, err := d.Submit(s.node, s.p, &generation.Request{NodeID: s.node})
		if err != nil {
			t.Fatalf("Submit(%s): %v", s.node, err)
		}
		tickets = append(tickets, tk)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, tk := range tickets {
		drain(t, tk)
	}

	want := []string{"high-1", "high-2", "normal-1", "normal-2", "low"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRetryThenSuccess(t *testing.T) {
	gen := &fakeGenerator{fn: func(_ context.Context, _ *generation.Request, call int) (<-chan generation.Chunk, error) {
		if call < 3 {
			return nil, generation.Transient("http_503", nil, "busy")
		}
		return streamOf("The sky ", "is blue."), nil
	}}
	d := newTestDispatcher(t, gen, Config{Workers: 1, MaxAttempts: 3})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tk, err := d.Submit("n-1", PriorityNormal, &generation.Request{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	evs := drain(t, tk)
	want := []EventType{EventAccepted, EventRetry, EventRetry, EventChunk, EventChunk, EventCompleted}
	got := types(evs)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if evs[1].Delay != time.Millisecond || evs[2].Delay != 2*time.Millisecond {
		t.Errorf("backoff = %v, %v", evs[1].Delay, evs[2].Delay)
	}
	last := evs[len(evs)-1]
	if last.Attempt != 3 || last.FinishReason != "stop" || last.Usage == nil {
		t.Errorf("completed = %+v", last)
	}
}

func TestFailures(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		attempts int
		code     string
	}{
		{"fatal is not retried", generation.Fatal("http_400", nil, "bad request"), 1, model.ErrCodeFatal},
		{"transient exhausts attempts", generation.Transient("http_503", nil, "busy"), 3, model.ErrCodeExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{fn: func(context.Context, *generation.Request, int) (<-chan generation.Chunk, error) {
				return nil, tt.err
			}}
			dls := NewMemoryDeadLetters(8)
			d := newTestDispatcher(t, gen, Config{Workers: 1, MaxAttempts: 3, DeadLetters: dls})
			_ = d.Start(context.Background())

			tk, err := d.Submit("n-1", PriorityNormal, &generation.Request{Model: "m"})
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			evs := drain(t, tk)
			last := evs[len(evs)-1]
			if last.Type != EventFailed || last.Attempt != tt.attempts {
				t.Fatalf("last event = %+v", last)
			}
			if got := int(gen.calls.Load()); got != tt.attempts {
				t.Errorf("calls = %d, want %d", got, tt.attempts)
			}
			if FailureCode(last.Err) != tt.code {
				t.Errorf("code = %s, want %s", FailureCode(last.Err), tt.code)
			}

			list, _ := dls.List(context.Background(), 0)
			if len(list) != 1 || list[0].NodeID != "n-1" || list[0].Code != tt.code || list[0].Attempts != tt.attempts {
				t.Errorf("dead letters = %+v", list)
			}
		})
	}
}

func TestMidStreamFailureRetries(t *testing.T) {
	gen := &fakeGenerator{fn: func(_ context.Context, _ *generation.Request, call int) (<-chan generation.Chunk, error) {
		if call == 1 {
			ch := make(chan generation.Chunk, 2)
			ch <- generation.Chunk{Delta: "partial"}
			ch <- generation.Chunk{Err: generation.Transient("stream_interrupted", nil, "reset")}
			close(ch)
			return ch, nil
		}
		return streamOf("full"), nil
	}}
	d := newTestDispatcher(t, gen, Config{Workers: 1})
	_ = d.Start(context.Background())
	tk, _ := d.Submit("n-1", PriorityNormal, &generation.Request{})

	got := types(drain(t, tk))
	want := []EventType{EventAccepted, EventChunk, EventRetry, EventChunk, EventCompleted}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestCancelRunning(t *testing.T) {
	stopped := make(chan struct{})
	gen := &fakeGenerator{fn: func(ctx context.Context, _ *generation.Request, _ int) (<-chan generation.Chunk, error) {
		ch := make(chan generation.Chunk)
		go func() {
			defer close(ch)
			select {
			case ch <- generation.Chunk{Delta: "thinking"}:
			case <-ctx.Done():
			}
			<-ctx.Done()
			close(stopped)
		}()
		return ch, nil
	}}
	d := newTestDispatcher(t, gen, Config{Workers: 1})
	_ = d.Start(context.Background())
	tk, _ := d.Submit("n-1", PriorityNormal, &generation.Request{})

	for ev := range tk.Events {
		if ev.Type == EventChunk {
			break
		}
	}
	if !d.Cancel("n-1") {
		t.Fatal("Cancel reported no job")
	}
	evs := drain(t, tk)
	for _, ev := range evs {
		if ev.Type == EventCompleted || ev.Type == EventFailed {
			t.Fatalf("terminal event after cancel: %+v", ev)
		}
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("generator context was not cancelled")
	}
	if d.Active("n-1") {
		t.Error("node still active after cancel")
	}
	if d.Cancel("n-1") {
		t.Error("second Cancel found a job")
	}
}

func TestCancelQueued(t *testing.T) {
	gen := &fakeGenerator{fn: func(context.Context, *generation.Request, int) (<-chan generation.Chunk, error) {
		return streamOf("x"), nil
	}}
	d := newTestDispatcher(t, gen, Config{Workers: 1})
	tk, _ := d.Submit("n-1", PriorityNormal, &generation.Request{})
	d.Cancel("n-1")

	if got := types(drain(t, tk)); len(got) != 1 || got[0] != EventAccepted {
		t.Fatalf("events = %v", got)
	}
	_ = d.Start(context.Background())
	if s := d.Stats(); s.Queued != 0 {
		t.Errorf("queued = %d", s.Queued)
	}
	if gen.calls.Load() != 0 {
		t.Error("cancelled job reached the generator")
	}
}

func TestResubmitReplacesJob(t *testing.T) {
	gen := &fakeGenerator{fn: func(context.Context, *generation.Request, int) (<-chan generation.Chunk, error) {
		return streamOf("x"), nil
	}}
	d := newTestDispatcher(t, gen, Config{Workers: 1})
	first, _ := d.Submit("n-1", PriorityNormal, &generation.Request{})
	second, _ := d.Submit("n-1", PriorityNormal, &generation.Request{})
	if len(drain(t, first)) != 1 {
		t.Error("replaced job produced events")
	}
	_ = d.Start(context.Background())
	if got := types(drain(t, second)); got[len(got)-1] != EventCompleted {
		t.Errorf("events = %v", got)
	}
}

func TestShutdownDrainsRunning(t *testing.T) {
	release := make(chan struct{})
	gen := &fakeGenerator{fn: func(context.Context, *generation.Request, int) (<-chan generation.Chunk, error) {
		ch := make(chan generation.Chunk, 1)
		go func() {
			<-release
			ch <- generation.Chunk{Done: true, FinishReason: "stop"}
			close(ch)
		}()
		return ch, nil
	}}
	d := New(gen, Config{Workers: 1})
	_ = d.Start(context.Background())
	running, _ := d.Submit("n-1", PriorityNormal, &generation.Request{})
	<-running.Events // accepted

	deadline := time.Now().Add(time.Second)
	for d.Stats().Running == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	queued, _ := d.Submit("n-2", PriorityNormal, &generation.Request{})

	shutdown := make(chan error, 1)
	go func() { shutdown <- d.Shutdown(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	close(release)

	if err := <-shutdown; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := types(drain(t, running)); len(got) == 0 || got[len(got)-1] != EventCompleted {
		t.Errorf("running job events = %v", got)
	}
	if got := types(drain(t, queued)); len(got) != 1 {
		t.Errorf("queued job events = %v", got)
	}
	if _, err := d.Submit("n-3", PriorityNormal, &generation.Request{}); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit after shutdown: %v", err)
	}
}

func TestBreakerOpens(t *testing.T) {
	gen := &fakeGenerator{fn: func(context.Context, *generation.Request, int) (<-chan generation.Chunk, error) {
		return nil, generation.Transient("http_503", nil, "busy")
	}}
	d := newTestDispatcher(t, gen, Config{Workers: 1, MaxAttempts: 3, BreakerFailures: 1, BreakerTimeout: time.Minute})
	_ = d.Start(context.Background())

	tk, _ := d.Submit("n-1", PriorityNormal, &generation.Request{})
	evs := drain(t, tk)
	last := evs[len(evs)-1]
	var ge *generation.Error
	if !errors.As(last.Err, &ge) || ge.Code != "circuit_open" {
		t.Fatalf("last error = %v", last.Err)
	}
	if gen.calls.Load() != 1 {
		t.Errorf("generator calls = %d, want 1", gen.calls.Load())
	}
}

func TestBackoff(t *testing.T) {
	d := New(nil, Config{BaseDelay: 100 * time.Millisecond})
	for n, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 400 * time.Millisecond} {
		if got := d.backoff(n); got != want {
			t.Errorf("backoff(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestMemoryDeadLetters_Ring(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryDeadLetters(3)
	for _, id := range []string{"j-1", "j-2", "j-3", "j-4"} {
		_ = m.Add(ctx, DeadLetter{JobID: id})
	}
	all, _ := m.List(ctx, 0)
	if len(all) != 3 || all[0].JobID != "j-4" || all[2].JobID != "j-2" {
		t.Errorf("list = %+v", all)
	}
	two, _ := m.List(ctx, 2)
	if len(two) != 2 || two[1].JobID != "j-3" {
		t.Errorf("list(2) = %+v", two)
	}
}

func TestRedisDeadLetters(t *testing.T) {
	s := miniredis.RunT(t)
	r, err := NewRedisDeadLetters("redis://"+s.Addr(), 2)
	if err != nil {
		t.Fatalf("NewRedisDeadLetters: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	for _, id := range []string{"j-1", "j-2", "j-3"} {
		if err := r.Add(ctx, DeadLetter{JobID: id, NodeID: "n-" + id, Code: model.ErrCodeFatal}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	list, err := r.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].JobID != "j-3" || list[1].JobID != "j-2" {
		t.Errorf("list = %+v", list)
	}
	one, _ := r.List(ctx, 1)
	if len(one) != 1 || one[0].NodeID != "n-j-3" {
		t.Errorf("list(1) = %+v", one)
	}
}

func TestRedisDeadLetters_BadURL(t *testing.T) {
	if _, err := NewRedisDeadLetters("not a url", 10); err == nil {
		t.Error("expected error for bad url")
	}
}
