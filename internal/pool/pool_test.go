package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/tecet/ollm/internal/clock"
)

type recorder struct {
	mu      sync.Mutex
	updates []Usage
}

func (r *recorder) record(u Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recorder) last() Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func newTestPool(maxTokens int) (*Pool, *clock.Fake, *recorder) {
	fake := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{}
	p := New(Options{MaxTokens: maxTokens, Clock: fake, OnChange: rec.record})
	return p, fake, rec
}

func TestUsageIncludesInflightBeforeFlush(t *testing.T) {
	p, _, rec := newTestPool(1000)

	p.SetCommitted(400)
	p.ReportInflightTokens(50)
	p.ReportInflightTokens(50)

	usage := p.Usage()
	if usage.CurrentTokens != 500 {
		t.Fatalf("current tokens = %d, want 500", usage.CurrentTokens)
	}
	if usage.Percentage != 50 {
		t.Errorf("percentage = %v, want 50", usage.Percentage)
	}
	if rec.count() != 1 {
		t.Errorf("inflight reports should not notify before the debounce window, got %d updates", rec.count())
	}
}

func TestInflightReportsAreBatched(t *testing.T) {
	p, fake, rec := newTestPool(1000)

	for i := 0; i < 100; i++ {
		p.ReportInflightTokens(1)
		fake.Advance(time.Millisecond)
	}
	fake.Advance(DefaultDebounce)

	if rec.count() >= 100 {
		t.Fatalf("expected batched notifications, got %d", rec.count())
	}
	if got := rec.last().CurrentTokens; got != 100 {
		t.Errorf("last notification carried %d tokens, want 100", got)
	}
}

func TestFlushInflightPublishesImmediately(t *testing.T) {
	p, fake, rec := newTestPool(1000)

	p.ReportInflightTokens(30)
	p.FlushInflight()

	if rec.count() != 1 || rec.last().CurrentTokens != 30 {
		t.Fatalf("flush did not publish: %+v", rec.updates)
	}

	fake.Advance(time.Second)
	if rec.count() != 1 {
		t.Errorf("flush should cancel the pending timer, got %d updates", rec.count())
	}
	if fake.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", fake.Pending())
	}
}

func TestClearInflightTokens(t *testing.T) {
	p, fake, _ := newTestPool(1000)

	p.SetCommitted(100)
	p.ReportInflightTokens(40)
	p.FlushInflight()
	p.ReportInflightTokens(10)
	p.ClearInflightTokens()

	if got := p.Usage().CurrentTokens; got != 100 {
		t.Fatalf("current tokens = %d, want committed only", got)
	}
	if fake.Pending() != 0 {
		t.Error("clear should cancel the batching timer")
	}
}

func TestResizeKeepsUsage(t *testing.T) {
	p, _, rec := newTestPool(4096)
	p.SetCommitted(2048)

	if err := p.Resize(8192); err != nil {
		t.Fatal(err)
	}
	if u := p.Usage(); u.CurrentTokens != 2048 || u.MaxTokens != 8192 || u.Percentage != 25 {
		t.Errorf("unexpected usage after resize: %+v", u)
	}
	if rec.last().MaxTokens != 8192 {
		t.Error("resize should notify")
	}

	if err := p.Resize(0); err != ErrInvalidSize {
		t.Errorf("expected ErrInvalidSize, got %v", err)
	}
}

func TestStopFlushesAndIgnoresLaterReports(t *testing.T) {
	p, fake, rec := newTestPool(1000)

	p.ReportInflightTokens(25)
	p.Stop()

	if rec.count() != 1 || rec.last().CurrentTokens != 25 {
		t.Fatalf("stop should flush pending tokens: %+v", rec.updates)
	}

	p.ReportInflightTokens(10)
	fake.Advance(time.Second)
	if p.Inflight() != 25 {
		t.Errorf("reports after stop should be ignored, inflight = %d", p.Inflight())
	}
	if fake.Pending() != 0 {
		t.Errorf("expected no timers after stop, got %d", fake.Pending())
	}
}
