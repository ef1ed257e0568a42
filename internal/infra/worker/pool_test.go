//go:build !integration

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"grading-orchestrator/internal/config"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDecide(t *testing.T) {
	cfg := config.WorkerConfig{MinWorkers: 2, MaxWorkers: 5, ScaleUpThreshold: 4, ScaleDownThreshold: 1}
	cases := []struct {
		name   string
		queue  int64
		active int
		want   int
	}{
		{"below min grows", 0, 1, 1},
		{"above max shrinks", 100, 6, -1},
		{"busy grows", 20, 2, 1},
		{"busy at max holds", 100, 5, 0},
		{"idle shrinks", 1, 3, -1},
		{"idle at min holds", 0, 2, 0},
		{"balanced holds", 6, 3, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Decide(tc.queue, tc.active, cfg); got != tc.want {
				t.Fatalf("Decide(%d, %d) = %d, want %d", tc.queue, tc.active, got, tc.want)
			}
		})
	}
}

func TestPool_ScaleStaysWithinBounds(t *testing.T) {
	logger := zerolog.Nop()
	cfg := config.WorkerConfig{MinWorkers: 1, MaxWorkers: 3, ScaleInterval: time.Hour}
	p := NewPool(newFakeQueue(), &countingProcessor{}, cfg, 10*time.Millisecond, &logger)

	if got := p.Scale(1); got != 0 {
		t.Fatalf("scale before start: %d", got)
	}
	p.Start(context.Background())
	defer p.Stop()

	if p.Size() != 1 {
		t.Fatalf("start size %d", p.Size())
	}
	if got := p.Scale(10); got != 3 {
		t.Fatalf("scale up clamped to %d", got)
	}
	if got := p.Scale(-10); got != 1 {
		t.Fatalf("scale down clamped to %d", got)
	}
}

func TestPool_ProcessesQueuedTasks(t *testing.T) {
	logger := zerolog.Nop()
	q := newFakeQueue(task("t1"), task("t2"), task("t3"))
	proc := &countingProcessor{}
	p := NewPool(q, proc, config.WorkerConfig{MinWorkers: 2, MaxWorkers: 2, ScaleInterval: time.Hour}, 10*time.Millisecond, &logger)

	p.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return proc.count() == 3 })
	p.Stop()

	if p.Size() != 0 {
		t.Fatalf("workers left after stop: %d", p.Size())
	}
}

func TestPool_AutoscalesWithLoad(t *testing.T) {
	logger := zerolog.Nop()
	q := newFakeQueue()
	q.length = 100
	cfg := config.WorkerConfig{
		MinWorkers: 1, MaxWorkers: 4, ScaleInterval: 5 * time.Millisecond,
		ScaleUpThreshold: 2, ScaleDownThreshold: 0.5,
	}
	p := NewPool(q, &countingProcessor{}, cfg, 5*time.Millisecond, &logger)
	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return p.Size() == 4 })

	q.mu.Lock()
	q.length = 0
	q.mu.Unlock()
	waitFor(t, 2*time.Second, func() bool { return p.Size() == 1 })
}

func TestPool_StopFinishesCurrentTask(t *testing.T) {
	logger := zerolog.Nop()
	q := newFakeQueue(task("slow"))
	proc := &countingProcessor{hold: 50 * time.Millisecond}
	p := NewPool(q, proc, config.WorkerConfig{MinWorkers: 1, MaxWorkers: 1, ScaleInterval: time.Hour}, 5*time.Millisecond, &logger)
	p.Start(context.Background())

	waitFor(t, time.Second, func() bool {
		n, _ := q.Len(context.Background())
		return n == 0
	})
	p.Stop()
	if proc.count() != 1 {
		t.Fatal("stop did not wait for the in-flight task")
	}
}
