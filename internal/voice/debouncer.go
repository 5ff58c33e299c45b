package voice

import (
	"strings"
	"sync"
	"time"
)

const DefaultDebounceDelay = 2 * time.Second

// Flush is one combined turn handed over by a TurnDebouncer. Seq numbers
// flushes from 1 in the order they were taken.
type Flush struct {
	Text string
	Seq  uint64
}

// TurnDebouncer buffers transcript fragments and hands them over as one turn
// once no new fragment has arrived for the configured delay.
type TurnDebouncer struct {
	mu        sync.Mutex
	delay     time.Duration
	onFlush   func(Flush)
	fragments []string
	timer     *time.Timer
	// gen is bumped on every Add, Discard and Stop so a timer that already
	// fired cannot flush content it was not scheduled for.
	gen     uint64
	flushed uint64
	stopped bool
}

func NewTurnDebouncer(delay time.Duration, onFlush func(Flush)) *TurnDebouncer {
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	return &TurnDebouncer{delay: delay, onFlush: onFlush}
}

// Add appends a fragment and restarts the quiet-period timer.
func (d *TurnDebouncer) Add(fragment string) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.fragments = append(d.fragments, fragment)
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
	}
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

// Discard drops buffered fragments and cancels a pending flush.
func (d *TurnDebouncer) Discard() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
}

// Stop discards buffered content and disables the debouncer for good.
func (d *TurnDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
	d.stopped = true
}

// Pending reports the number of buffered fragments.
func (d *TurnDebouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fragments)
}

// Flushed returns the Seq of the latest flush taken, including one whose
// callback has not run yet.
func (d *TurnDebouncer) Flushed() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushed
}

func (d *TurnDebouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	f, ok := d.takeLocked()
	d.mu.Unlock()
	if ok && d.onFlush != nil {
		d.onFlush(f)
	}
}

func (d *TurnDebouncer) takeLocked() (Flush, bool) {
	if len(d.fragments) == 0 {
		return Flush{}, false
	}
	text := strings.Join(d.fragments, " ")
	d.fragments = nil
	d.gen++
	d.flushed++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return Flush{Text: text, Seq: d.flushed}, true
}

func (d *TurnDebouncer) reset() {
	d.fragments = nil
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
