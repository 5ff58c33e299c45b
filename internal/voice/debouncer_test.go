package voice

import (
	"sync"
	"testing"
	"time"
)

type flushRecorder struct {
	mu    sync.Mutex
	texts []string
	ch    chan string
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ch: make(chan string, 8)}
}

func (r *flushRecorder) flush(f Flush) {
	r.mu.Lock()
	r.texts = append(r.texts, f.Text)
	r.mu.Unlock()
	r.ch <- f.Text
}

func (r *flushRecorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestTurnDebouncerJoinsFragmentsAfterQuietPeriod(t *testing.T) {
	rec := newFlushRecorder()
	d := NewTurnDebouncer(40*time.Millisecond, rec.flush)
	defer d.Stop()

	d.Add("hello")
	time.Sleep(10 * time.Millisecond)
	d.Add(" world ")
	if d.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", d.Pending())
	}

	select {
	case got := <-rec.ch:
		if got != "hello world" {
			t.Fatalf("flushed = %q, want %q", got, "hello world")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for flush")
	}

	time.Sleep(80 * time.Millisecond)
	if got := rec.Texts(); len(got) != 1 {
		t.Fatalf("flush count = %d (%v), want 1", len(got), got)
	}
	if d.Pending() != 0 {
		t.Fatalf("Pending() after flush = %d, want 0", d.Pending())
	}
}

func TestTurnDebouncerRestartsTimerOnEachFragment(t *testing.T) {
	rec := newFlushRecorder()
	d := NewTurnDebouncer(60*time.Millisecond, rec.flush)
	defer d.Stop()

	start := time.Now()
	for i := 0; i < 3; i++ {
		d.Add("part")
		time.Sleep(30 * time.Millisecond)
	}
	select {
	case got := <-rec.ch:
		if got != "part part part" {
			t.Fatalf("flushed = %q", got)
		}
		if elapsed := time.Since(start); elapsed < 120*time.Millisecond {
			t.Fatalf("flushed after %v, want at least one quiet period after the last fragment", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for flush")
	}
}

func TestTurnDebouncerDiscardCancelsFlush(t *testing.T) {
	rec := newFlushRecorder()
	d := NewTurnDebouncer(30*time.Millisecond, rec.flush)
	defer d.Stop()

	d.Add("stale")
	d.Discard()
	time.Sleep(80 * time.Millisecond)
	if got := rec.Texts(); len(got) != 0 {
		t.Fatalf("flushed after Discard() = %v, want none", got)
	}

	d.Add("fresh")
	select {
	case got := <-rec.ch:
		if got != "fresh" {
			t.Fatalf("flushed = %q, want %q", got, "fresh")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for flush")
	}
}

func TestTurnDebouncerStaleTimerDoesNotFlush(t *testing.T) {
	rec := newFlushRecorder()
	d := NewTurnDebouncer(time.Hour, rec.flush)
	defer d.Stop()

	d.Add("one")
	d.mu.Lock()
	staleGen := d.gen
	d.mu.Unlock()
	d.Add("two")

	// A timer scheduled for the first fragment fires late.
	d.fire(staleGen)
	if got := rec.Texts(); len(got) != 0 {
		t.Fatalf("stale fire flushed %v", got)
	}
	if d.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", d.Pending())
	}

	d.mu.Lock()
	currentGen := d.gen
	d.mu.Unlock()
	d.fire(currentGen)
	if got := rec.Texts(); len(got) != 1 || got[0] != "one two" {
		t.Fatalf("fire(current) texts = %v, want [one two]", got)
	}
	if d.Flushed() != 1 {
		t.Fatalf("Flushed() = %d, want 1", d.Flushed())
	}
}

func TestTurnDebouncerNumbersFlushes(t *testing.T) {
	var mu sync.Mutex
	var got []Flush
	d := NewTurnDebouncer(10*time.Millisecond, func(f Flush) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})
	defer d.Stop()

	d.Add("a")
	waitFor(t, func() bool { return d.Flushed() == 1 })
	d.Add("b")
	d.Discard()
	d.Add("c")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != (Flush{Text: "a", Seq: 1}) || got[1] != (Flush{Text: "c", Seq: 2}) {
		t.Fatalf("flushes = %+v, want a#1 then c#2", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within 2s")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestTurnDebouncerStopIsPermanent(t *testing.T) {
	rec := newFlushRecorder()
	d := NewTurnDebouncer(10*time.Millisecond, rec.flush)
	d.Add("before")
	d.Stop()
	d.Add("after")
	time.Sleep(50 * time.Millisecond)
	if got := rec.Texts(); len(got) != 0 {
		t.Fatalf("flushed after Stop() = %v", got)
	}
	if d.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", d.Pending())
	}
}

func TestTurnDebouncerIgnoresBlankFragments(t *testing.T) {
	rec := newFlushRecorder()
	d := NewTurnDebouncer(time.Hour, rec.flush)
	defer d.Stop()
	d.Add("   ")
	if d.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0 after blank fragment", d.Pending())
	}
	if d.Flushed() != 0 {
		t.Fatalf("Flushed() = %d, want 0", d.Flushed())
	}
}

func TestActivityClockOnlyMovesForward(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewActivityClock(base)

	c.Extend(base, 3*time.Second)
	c.Touch(base.Add(time.Second))
	if got, want := c.Until(), base.Add(3*time.Second); !got.Equal(want) {
		t.Fatalf("Until() = %v, want %v", got, want)
	}

	c.Touch(base.Add(5 * time.Second))
	c.Extend(base, time.Second)
	if got, want := c.Until(), base.Add(5*time.Second); !got.Equal(want) {
		t.Fatalf("Until() after stale extend = %v, want %v", got, want)
	}

	if c.Idle(base.Add(6*time.Second), 2*time.Second) {
		t.Fatalf("Idle() = true one second after activity, want false")
	}
	if !c.Idle(base.Add(8*time.Second), 2*time.Second) {
		t.Fatalf("Idle() = false three seconds after activity, want true")
	}
}
