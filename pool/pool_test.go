package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNilPoolRunsInline(t *testing.T) {
	var p *Pool
	ran := false
	if err := p.Submit(func() { ran = true }); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("task did not run inline")
	}
	p.Start()
	p.Stop()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Error(err)
	}
	if got := p.Stats(); got != (Stats{}) {
		t.Errorf("got %+v, want zero stats", got)
	}
}

func TestGrowThenQueue(t *testing.T) {
	p := New(WithMaxWorkers(2), WithName("grow"))
	release := make(chan struct{})
	var done atomic.Int32
	for i := 0; i < 4; i++ {
		if err := p.Submit(func() {
			<-release
			done.Add(1)
		}); err != nil {
			t.Fatal(err)
		}
	}

	s := p.Stats()
	if s.Live != 2 || s.Queued != 2 {
		t.Errorf("got live=%d queued=%d, want live=2 queued=2", s.Live, s.Queued)
	}
	close(release)
	p.Stop()

	if got := done.Load(); got != 4 {
		t.Errorf("got %d tasks done, want 4", got)
	}
	s = p.Stats()
	if s.Live != 0 || s.Completed != 4 || s.Name != "grow" {
		t.Errorf("after stop got %+v", s)
	}
}

func TestQueueIsFIFO(t *testing.T) {
	p := New(WithMaxWorkers(1))
	release := make(chan struct{})
	if err := p.Submit(func() { <-release }); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []int
	for i := 1; i <= 5; i++ {
		if err := p.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatal(err)
		}
	}
	close(release)
	p.Stop()

	if diff := cmp.Diff([]int{1, 2, 3, 4, 5}, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestIdleWorkersShrinkToMin(t *testing.T) {
	p := New(WithMinWorkers(1), WithMaxWorkers(4), WithIdleTimeout(10*time.Millisecond))
	defer p.Stop()

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(4)
	for i := 0; i < 4; i++ {
		if err := p.Submit(func() {
			started.Done()
			<-release
		}); err != nil {
			t.Fatal(err)
		}
	}
	started.Wait()
	if got := p.Stats().Live; got != 4 {
		t.Fatalf("got %d live workers, want 4", got)
	}
	close(release)

	waitFor(t, "shrink to min", func() bool { return p.Stats().Live == 1 })
	time.Sleep(30 * time.Millisecond)
	if s := p.Stats(); s.Live != 1 || s.Idling != 1 {
		t.Errorf("got %+v, want one idle worker kept", s)
	}
}

func TestStartSpawnsMinWorkers(t *testing.T) {
	p := New(WithMinWorkers(3), WithMaxWorkers(5))
	p.Start()
	waitFor(t, "workers idle", func() bool { return p.Stats().Idling == 3 })
	p.Stop()
	if got := p.Stats().Live; got != 0 {
		t.Errorf("got %d live workers after stop, want 0", got)
	}
}

func TestPanickingTaskIsReplaced(t *testing.T) {
	p := New(WithMaxWorkers(1))
	release := make(chan struct{})
	if err := p.Submit(func() {
		<-release
		panic("boom")
	}); err != nil {
		t.Fatal(err)
	}
	var ran atomic.Bool
	if err := p.Submit(func() { ran.Store(true) }); err != nil {
		t.Fatal(err)
	}
	close(release)
	p.Stop()

	if !ran.Load() {
		t.Error("queued task was dropped after a panic")
	}
	if s := p.Stats(); s.Panicked != 1 || s.Completed != 1 || s.Live != 0 {
		t.Errorf("got %+v", s)
	}
}

func TestPanicDuringStopDoesNotDeadlock(t *testing.T) {
	p := New(WithMaxWorkers(2))
	for i := 0; i < 2; i++ {
		if err := p.Submit(func() { panic("boom") }); err != nil {
			t.Fatal(err)
		}
	}
	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop deadlocked")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := New()
	p.Stop()
	if err := p.Submit(func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("got %v, want ErrStopped", err)
	}
	if err := p.Submit(nil); err == nil {
		t.Error("expected error for nil task")
	}
}

func TestShutdownCancelsQueuedTasks(t *testing.T) {
	p := New(WithMaxWorkers(1))
	release := make(chan struct{})
	if err := p.Submit(func() { <-release }); err != nil {
		t.Fatal(err)
	}
	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		if err := p.Submit(func() { ran.Add(1) }); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Shutdown(ctx)
	if !errors.Is(err, ErrTasksCancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want ErrTasksCancelled and DeadlineExceeded", err)
	}

	close(release)
	p.Stop()
	if got := ran.Load(); got != 0 {
		t.Errorf("%d cancelled tasks ran", got)
	}
	if s := p.Stats(); s.Cancelled != 3 || s.Completed != 1 {
		t.Errorf("got %+v", s)
	}
}

func TestShutdownDrains(t *testing.T) {
	p := New(WithMaxWorkers(2))
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		if err := p.Submit(func() {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := ran.Load(); got != 10 {
		t.Errorf("got %d tasks run, want 10", got)
	}
}

func TestLiveWorkersStayWithinBounds(t *testing.T) {
	const min, max = 2, 5
	p := New(WithMinWorkers(min), WithMaxWorkers(max), WithIdleTimeout(time.Millisecond))
	p.Start()
	waitFor(t, "min workers", func() bool { return p.Stats().Live == min })

	stop := make(chan struct{})
	var violations atomic.Int32
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if s := p.Stats(); s.Live < min || s.Live > max {
				violations.Add(1)
			}
		}
	}()

	var submitters sync.WaitGroup
	for g := 0; g < 4; g++ {
		submitters.Add(1)
		go func() {
			defer submitters.Done()
			for i := 0; i < 50; i++ {
				_ = p.Submit(func() { time.Sleep(100 * time.Microsecond) })
				if i%10 == 0 {
					time.Sleep(2 * time.Millisecond)
				}
			}
		}()
	}
	submitters.Wait()
	close(stop)
	watcher.Wait()
	p.Stop()

	if n := violations.Load(); n != 0 {
		t.Errorf("live worker count left [%d, %d] %d times", min, max, n)
	}
	if got := p.Stats().Completed; got != 200 {
		t.Errorf("got %d completed, want 200", got)
	}
}

func TestWorkerStateString(t *testing.T) {
	for state, want := range map[WorkerState]string{
		Starting: "starting",
		Running:  "running",
		Idling:   "idling",
		Exiting:  "exiting",
	} {
		if got := state.String(); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}
