package controlpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrInjected is the fault returned by simulated points with injected failures.
var ErrInjected = errors.New("injected fault")

// Op is a simulated access kind.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// Event is one access recorded by Sim, in global order.
type Event struct {
	Seq   int
	Op    Op
	ID    string
	Value float64
	Err   error
}

type simPoint struct {
	mu           sync.Mutex
	value        float64
	script       []float64
	failReads    int
	failWrites   int
	ignoreWrites int
	delay        time.Duration
	onWrite      []func(float64)
}

// Sim is an in-memory Network for tests and dry runs. Reads follow an
// optional scripted sequence whose last value repeats; writes latch into
// the read value unless ignored.
type Sim struct {
	points *xsync.MapOf[string, *simPoint]

	logMu  sync.Mutex
	events []Event
}

func NewSim() *Sim {
	return &Sim{points: xsync.NewMapOf[string, *simPoint]()}
}

// Define registers ids with an initial value of zero.
func (s *Sim) Define(ids ...string) *Sim {
	for _, id := range ids {
		s.point(id)
	}
	return s
}

// Set defines id and sets its current value, dropping any script.
func (s *Sim) Set(id string, value float64) *Sim {
	p := s.point(id)
	p.mu.Lock()
	p.value = value
	p.script = nil
	p.mu.Unlock()
	return s
}

// Script makes successive reads of id return values in order. The final
// value repeats once the script is consumed.
func (s *Sim) Script(id string, values ...float64) *Sim {
	p := s.point(id)
	p.mu.Lock()
	p.script = append([]float64(nil), values...)
	if len(values) > 0 {
		p.value = values[0]
	}
	p.mu.Unlock()
	return s
}

// FailReads makes the next n reads of id return ErrInjected.
func (s *Sim) FailReads(id string, n int) *Sim {
	p := s.point(id)
	p.mu.Lock()
	p.failReads = n
	p.mu.Unlock()
	return s
}

// FailWrites makes the next n writes to id return ErrInjected.
func (s *Sim) FailWrites(id string, n int) *Sim {
	p := s.point(id)
	p.mu.Lock()
	p.failWrites = n
	p.mu.Unlock()
	return s
}

// IgnoreWrites accepts the next n writes to id without latching them.
// Use a negative n to ignore every write.
func (s *Sim) IgnoreWrites(id string, n int) *Sim {
	p := s.point(id)
	p.mu.Lock()
	p.ignoreWrites = n
	p.mu.Unlock()
	return s
}

// Delay makes every read and write of id take d, or until ctx ends.
func (s *Sim) Delay(id string, d time.Duration) *Sim {
	p := s.point(id)
	p.mu.Lock()
	p.delay = d
	p.mu.Unlock()
	return s
}

// OnWrite registers fn to run after every accepted write to id.
func (s *Sim) OnWrite(id string, fn func(value float64)) *Sim {
	p := s.point(id)
	p.mu.Lock()
	p.onWrite = append(p.onWrite, fn)
	p.mu.Unlock()
	return s
}

// Follow mirrors every accepted write to src into dst, e.g. a motor
// setpoint into its readback.
func (s *Sim) Follow(src, dst string) *Sim {
	s.point(dst)
	return s.OnWrite(src, func(v float64) { s.Set(dst, v) })
}

// Lag is Follow for a slow axis: after a write to src, dst keeps reporting
// the previous target for the next reads reads before it reports the new one.
func (s *Sim) Lag(src, dst string, reads int) *Sim {
	p := s.point(dst)
	p.mu.Lock()
	prev := p.value
	p.mu.Unlock()

	var mu sync.Mutex
	return s.OnWrite(src, func(v float64) {
		mu.Lock()
		values := make([]float64, 0, reads+1)
		for i := 0; i < reads; i++ {
			values = append(values, prev)
		}
		prev = v
		mu.Unlock()
		s.Script(dst, append(values, v)...)
	})
}

// Value returns the current value of id without recording an event.
func (s *Sim) Value(id string) float64 {
	p, ok := s.points.Load(id)
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

func (s *Sim) Read(ctx context.Context, id string) (float64, error) {
	p, ok := s.points.Load(id)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownPoint, id)
		s.record(OpRead, id, 0, err)
		return 0, err
	}

	if err := s.wait(ctx, p); err != nil {
		s.record(OpRead, id, 0, err)
		return 0, err
	}

	p.mu.Lock()
	if p.failReads > 0 {
		p.failReads--
		p.mu.Unlock()
		s.record(OpRead, id, 0, ErrInjected)
		return 0, ErrInjected
	}
	v := p.value
	if len(p.script) > 0 {
		v = p.script[0]
		p.value = v
		if len(p.script) > 1 {
			p.script = p.script[1:]
		}
	}
	p.mu.Unlock()

	s.record(OpRead, id, v, nil)
	return v, nil
}

func (s *Sim) Write(ctx context.Context, id string, value float64) error {
	p, ok := s.points.Load(id)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownPoint, id)
		s.record(OpWrite, id, value, err)
		return err
	}

	if err := s.wait(ctx, p); err != nil {
		s.record(OpWrite, id, value, err)
		return err
	}

	p.mu.Lock()
	if p.failWrites > 0 {
		p.failWrites--
		p.mu.Unlock()
		s.record(OpWrite, id, value, ErrInjected)
		return ErrInjected
	}
	if p.ignoreWrites != 0 {
		if p.ignoreWrites > 0 {
			p.ignoreWrites--
		}
		p.mu.Unlock()
		s.record(OpWrite, id, value, nil)
		return nil
	}
	p.value = value
	p.script = nil
	hooks := append([]func(float64){}, p.onWrite...)
	p.mu.Unlock()

	s.record(OpWrite, id, value, nil)
	for _, fn := range hooks {
		fn(value)
	}
	return nil
}

// Events returns a copy of the access log.
func (s *Sim) Events() []Event {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return append([]Event(nil), s.events...)
}

// Writes returns the successful writes to id in order.
func (s *Sim) Writes(id string) []float64 {
	var out []float64
	for _, e := range s.Events() {
		if e.Op == OpWrite && e.ID == id && e.Err == nil {
			out = append(out, e.Value)
		}
	}
	return out
}

// WriteCount returns the number of write attempts on any point.
func (s *Sim) WriteCount() int {
	n := 0
	for _, e := range s.Events() {
		if e.Op == OpWrite {
			n++
		}
	}
	return n
}

// ResetLog clears the access log but keeps point values.
func (s *Sim) ResetLog() {
	s.logMu.Lock()
	s.events = nil
	s.logMu.Unlock()
}

func (s *Sim) point(id string) *simPoint {
	p, _ := s.points.LoadOrStore(id, &simPoint{})
	return p
}

func (s *Sim) wait(ctx context.Context, p *simPoint) error {
	p.mu.Lock()
	d := p.delay
	p.mu.Unlock()

	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Sim) record(op Op, id string, value float64, err error) {
	s.logMu.Lock()
	s.events = append(s.events, Event{Seq: len(s.events) + 1, Op: op, ID: id, Value: value, Err: err})
	s.logMu.Unlock()
}
