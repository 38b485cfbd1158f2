package controlpoint

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Sink receives monitor samples, typically a metrics collector.
type Sink interface {
	ObservePoint(id string, value float64)
	ObservePointFault(id string)
}

// Sample is the last value seen for a point.
type Sample struct {
	Value float64
	At    time.Time
	Err   error
}

// Monitor periodically reads a fixed set of control points and keeps the
// latest sample of each. It never writes.
type Monitor struct {
	points   []ControlPoint
	interval time.Duration
	sink     Sink
	logger   *zap.Logger

	last *xsync.MapOf[string, Sample]

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewMonitor(points []ControlPoint, interval time.Duration, sink Sink, logger *zap.Logger) *Monitor {
	return &Monitor{
		points:   points,
		interval: interval,
		sink:     sink,
		logger:   logger,
		last:     xsync.NewMapOf[string, Sample](),
	}
}

// Start begins periodic reads. Calling it twice is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)
	go m.loop(m.stopChan)

	m.logger.Info("Monitor started",
		zap.Int("points", len(m.points)),
		zap.Duration("interval", m.interval))
}

// Stop ends the loop and waits for a running cycle to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Monitor stopped")
}

func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Last returns the latest sample of id.
func (m *Monitor) Last(id string) (Sample, bool) {
	return m.last.Load(id)
}

// Snapshot returns the latest sample of every point read so far.
func (m *Monitor) Snapshot() map[string]Sample {
	out := make(map[string]Sample, m.last.Size())
	m.last.Range(func(id string, s Sample) bool {
		out[id] = s
		return true
	})
	return out
}

func (m *Monitor) loop(stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.PollOnce(context.Background())
		}
	}
}

// PollOnce reads every point once.
func (m *Monitor) PollOnce(ctx context.Context) {
	timeout := m.interval / 2
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, p := range m.points {
		v, err := p.Read(ctx)
		m.last.Store(p.ID(), Sample{Value: v, At: time.Now(), Err: err})

		if err != nil {
			m.logger.Warn("Monitor read failed",
				zap.String("point", p.ID()),
				zap.Error(err))
			if m.sink != nil {
				m.sink.ObservePointFault(p.ID())
			}
			continue
		}
		if m.sink != nil {
			m.sink.ObservePoint(p.ID(), v)
		}
	}
}
