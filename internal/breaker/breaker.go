// Package breaker guards upstream feed sources. Each source name has its own
// circuit: repeated failures open it, and after a cool-off a single trial
// request decides whether it closes again.
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

type Options struct {
	// Threshold failures within Window open the circuit for OpenFor.
	Threshold int
	Window    time.Duration
	OpenFor   time.Duration
	Now       func() time.Time
	// OnChange is called outside the lock on every state transition.
	OnChange func(source string, from, to State)
}

type circuit struct {
	state     State
	fails     int
	firstFail time.Time
	openUntil time.Time
	// trial is set while the one half-open request is in flight.
	trial bool
}

type Breaker struct {
	opts Options

	mu       sync.Mutex
	circuits map[string]*circuit
}

func New(opts Options) *Breaker {
	if opts.Threshold <= 0 {
		opts.Threshold = 5
	}
	if opts.Window <= 0 {
		opts.Window = 30 * time.Second
	}
	if opts.OpenFor <= 0 {
		opts.OpenFor = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{opts: opts, circuits: make(map[string]*circuit)}
}

// Allow reports whether a request to source may proceed. Once an open
// circuit cools off, exactly one caller is let through as the trial.
func (b *Breaker) Allow(source string) bool {
	now := b.opts.Now()
	b.mu.Lock()
	c, ok := b.circuits[source]
	if !ok {
		b.mu.Unlock()
		return true
	}
	var from State
	changed := false
	allowed := true
	switch c.state {
	case Open:
		if now.Before(c.openUntil) {
			allowed = false
			break
		}
		from, changed = c.state, true
		c.state = HalfOpen
		c.trial = true
	case HalfOpen:
		if c.trial {
			allowed = false
		} else {
			c.trial = true
		}
	}
	b.mu.Unlock()
	if changed {
		b.notify(source, from, HalfOpen)
	}
	return allowed
}

func (b *Breaker) Success(source string) {
	b.mu.Lock()
	c, ok := b.circuits[source]
	delete(b.circuits, source)
	b.mu.Unlock()
	if ok && c.state != Closed {
		b.notify(source, c.state, Closed)
	}
}

// Failure records a failed request and reports whether it opened the circuit.
func (b *Breaker) Failure(source string) (opened bool) {
	now := b.opts.Now()
	b.mu.Lock()
	c, ok := b.circuits[source]
	if !ok {
		c = &circuit{}
		b.circuits[source] = c
	}
	from := c.state
	switch {
	case c.state == HalfOpen:
		// failed trial
		opened = true
	case c.fails == 0 || now.Sub(c.firstFail) > b.opts.Window:
		c.fails = 1
		c.firstFail = now
		opened = b.opts.Threshold <= 1
	default:
		c.fails++
		opened = c.fails >= b.opts.Threshold
	}
	if opened {
		c.state = Open
		c.openUntil = now.Add(b.opts.OpenFor)
		c.trial = false
		c.fails = 0
	}
	b.mu.Unlock()
	if opened && from != Open {
		b.notify(source, from, Open)
	}
	return opened
}

func (b *Breaker) State(source string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[source]; ok {
		return c.state
	}
	return Closed
}

func (b *Breaker) notify(source string, from, to State) {
	if b.opts.OnChange != nil {
		b.opts.OnChange(source, from, to)
	}
}
