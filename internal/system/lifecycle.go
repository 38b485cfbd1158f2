package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/beamline"
	"github.com/KevinKickass/OpenBeamlineCore/internal/config"
	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
	"github.com/KevinKickass/OpenBeamlineCore/internal/devices"
	"github.com/KevinKickass/OpenBeamlineCore/internal/observability"
	"github.com/KevinKickass/OpenBeamlineCore/internal/procedure"
	"github.com/KevinKickass/OpenBeamlineCore/internal/storage"
	"github.com/KevinKickass/OpenBeamlineCore/internal/topology"
	"github.com/KevinKickass/OpenBeamlineCore/internal/vacuum"
	"go.uber.org/zap"
)

// LifecycleManager builds the beamline core from the configuration and
// owns its start and shutdown.
type LifecycleManager struct {
	config    *config.Config
	storage   *storage.PostgresClient
	journal   *storage.Journal
	collector *observability.Collector
	recorder  *procedure.Recorder
	logger    *zap.Logger

	*components

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    string

	listenersMu     sync.RWMutex
	statusListeners []chan SystemStatus

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLifecycleManager wires every component. db and collector may be nil;
// without db runs are only streamed, not persisted.
func NewLifecycleManager(
	cfg *config.Config,
	db *storage.PostgresClient,
	collector *observability.Collector,
	logger *zap.Logger,
) (*LifecycleManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		journal *storage.Journal
		sink    procedure.Journal
	)
	if db != nil {
		journal = storage.NewJournal(db)
		sink = journal
	}
	recorder := procedure.NewRecorder(sink, procedure.NewEventStreamer(), logger.Named("procedure"))

	var pointSink controlpoint.Sink
	if collector != nil {
		pointSink = collector
	}
	comps, err := buildComponents(cfg, pointSink, logger)
	if err != nil {
		return nil, err
	}

	comps.attenuator.SetRecorder(recorder)
	if comps.sequencer != nil {
		comps.sequencer.SetRecorder(recorder)
	}
	if comps.controller != nil {
		comps.controller.SetRecorder(recorder)
	}
	if collector != nil {
		comps.attenuator.SetObserver(collector)
		if comps.sequencer != nil {
			comps.sequencer.SetObserver(collector)
		}
		if comps.controller != nil {
			comps.controller.SetObserver(collector)
		}
	}

	return &LifecycleManager{
		config:          cfg,
		storage:         db,
		journal:         journal,
		collector:       collector,
		recorder:        recorder,
		logger:          logger,
		components:      comps,
		currentState:    StateInitializing,
		statusListeners: make([]chan SystemStatus, 0),
		shutdownChan:    make(chan struct{}),
	}, nil
}

// Start connects the devices, logs the topology report and starts the
// monitor.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenBeamlineCore")
	lm.broadcastStatus()

	if lm.deviceManager != nil {
		// Clients reconnect on demand, so an unreachable device is not fatal here.
		if err := lm.deviceManager.ConnectAll(ctx); err != nil {
			lm.logger.Warn("Some devices failed to connect", zap.Error(err))
		}
	}

	report := lm.TopologyReport(ctx)
	lm.logger.Info("Beam topology\n"+report.String(),
		zap.String("blocked_at", report.BlockedAt),
		zap.Int("errors", report.Errors()))

	if lm.monitor != nil {
		lm.monitor.Start()
	}

	if err := lm.setState(StateRunning); err != nil {
		return err
	}
	lm.broadcastStatus()

	lm.logger.Info("System started successfully",
		zap.Bool("simulated", lm.sim != nil),
		zap.Bool("vacuum_sequencer", lm.sequencer != nil),
		zap.Bool("mode_controller", lm.controller != nil),
		zap.Bool("journal", lm.storage != nil))

	return nil
}

// TopologyReport evaluates the beam path and records it as a run.
func (lm *LifecycleManager) TopologyReport(ctx context.Context) topology.TopologyReport {
	run := lm.recorder.Begin(ctx, procedure.KindTopologyReport, "beamline", nil)
	report := lm.topology.Report(ctx)
	if n := report.Errors(); n > 0 {
		lm.logger.Warn("Topology report has unreadable elements", zap.Int("errors", n))
	}
	run.Finish(ctx, procedure.StatusSuccess, report, nil)
	return report
}

// Shutdown stops the monitor and the devices.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		if err := lm.setState(StateStopping); err != nil {
			lm.logger.Warn("Unexpected state on shutdown", zap.Error(err))
		}
		lm.broadcastStatus()

		shutdownErr = lm.gracefulShutdown(ctx)
		if shutdownErr != nil {
			lm.setError(shutdownErr)
		}

		if err := lm.setState(StateStopped); err != nil {
			lm.logger.Warn("Unexpected state on shutdown", zap.Error(err))
		}
		lm.broadcastStatus()

		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 1)

	if lm.monitor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.monitor.Stop()
		}()
	}

	if lm.deviceManager != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lm.deviceManager.StopAll(ctx); err != nil {
				errChan <- fmt.Errorf("device manager stop failed: %w", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errChan)
		var errs []error
		for err := range errChan {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
		lm.logger.Info("Graceful shutdown completed")
		return nil
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded: %w", ctx.Err())
	}
}

// Done is closed once Shutdown has completed.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) setState(state SystemState) error {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		return err
	}
	lm.currentState = state
	return nil
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastError = err.Error()
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// Status returns the current system status.
func (lm *LifecycleManager) Status() SystemStatus {
	lm.stateMu.RLock()
	status := SystemStatus{
		State:     lm.currentState,
		Error:     lm.lastError,
		Timestamp: time.Now().Unix(),
	}
	lm.stateMu.RUnlock()

	if lm.controller != nil {
		mode := lm.controller.GetStatus()
		status.Mode = &mode
	}
	status.Running = lm.recorder.Running()
	return status
}

func (lm *LifecycleManager) broadcastStatus() {
	status := lm.Status()

	lm.listenersMu.RLock()
	defer lm.listenersMu.RUnlock()

	for _, listener := range lm.statusListeners {
		select {
		case listener <- status:
		default:
			// listener is behind; it will see the next update
		}
	}
}

// SubscribeStatus subscribes to status updates
func (lm *LifecycleManager) SubscribeStatus() chan SystemStatus {
	ch := make(chan SystemStatus, 10)

	lm.listenersMu.Lock()
	lm.statusListeners = append(lm.statusListeners, ch)
	lm.listenersMu.Unlock()

	return ch
}

// UnsubscribeStatus unsubscribes from status updates
func (lm *LifecycleManager) UnsubscribeStatus(ch chan SystemStatus) {
	lm.listenersMu.Lock()
	defer lm.listenersMu.Unlock()

	for i, listener := range lm.statusListeners {
		if listener == ch {
			lm.statusListeners = append(lm.statusListeners[:i], lm.statusListeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// SetMode switches the endstation mode and broadcasts the new status.
func (lm *LifecycleManager) SetMode(ctx context.Context, mode beamline.Mode) error {
	if lm.controller == nil {
		return fmt.Errorf("mode controller not configured")
	}
	err := lm.controller.SetMode(ctx, mode)
	lm.broadcastStatus()
	return err
}

// Evacuate runs the evacuate procedure on zone.
func (lm *LifecycleManager) Evacuate(ctx context.Context, zone string) (vacuum.SequenceResult, error) {
	if lm.sequencer == nil {
		return vacuum.SequenceResult{}, fmt.Errorf("vacuum sequencer not configured")
	}
	res := lm.sequencer.Evacuate(ctx, zone)
	lm.broadcastStatus()
	return res, res.Err
}

// Vent runs the vent procedure on zone.
func (lm *LifecycleManager) Vent(ctx context.Context, zone string) (vacuum.SequenceResult, error) {
	if lm.sequencer == nil {
		return vacuum.SequenceResult{}, fmt.Errorf("vacuum sequencer not configured")
	}
	res := lm.sequencer.Vent(ctx, zone)
	lm.broadcastStatus()
	return res, res.Err
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

// Journal is nil when no database is configured.
func (lm *LifecycleManager) Journal() *storage.Journal {
	return lm.journal
}

// Collector is nil when metrics are disabled.
func (lm *LifecycleManager) Collector() *observability.Collector {
	return lm.collector
}

func (lm *LifecycleManager) Recorder() *procedure.Recorder {
	return lm.recorder
}

func (lm *LifecycleManager) Attenuator() beamline.Attenuator {
	return lm.attenuator
}

func (lm *LifecycleManager) Topology() *topology.Model {
	return lm.topology
}

// Sequencer is nil when no vacuum zones are configured.
func (lm *LifecycleManager) Sequencer() *vacuum.Sequencer {
	return lm.sequencer
}

// Controller is nil when no beamstop is configured.
func (lm *LifecycleManager) Controller() *beamline.Controller {
	return lm.controller
}

// Monitor is nil when there is nothing to monitor.
func (lm *LifecycleManager) Monitor() *controlpoint.Monitor {
	return lm.monitor
}

// DeviceManager is nil with simulated control points.
func (lm *LifecycleManager) DeviceManager() *devices.Manager {
	return lm.deviceManager
}

// Simulation is the simulated network, nil when running against hardware.
func (lm *LifecycleManager) Simulation() *controlpoint.Sim {
	return lm.sim
}
