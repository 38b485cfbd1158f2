package interfaces

import (
	"github.com/KevinKickass/OpenBeamlineCore/internal/config"
	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
	"github.com/KevinKickass/OpenBeamlineCore/internal/devices"
	"github.com/KevinKickass/OpenBeamlineCore/internal/observability"
	"github.com/KevinKickass/OpenBeamlineCore/internal/procedure"
	"github.com/KevinKickass/OpenBeamlineCore/internal/storage"
	"github.com/KevinKickass/OpenBeamlineCore/internal/system"
	"github.com/KevinKickass/OpenBeamlineCore/internal/topology"
)

// LifecycleManager is the read side of the beamline core the operator API
// serves. Journal, Collector, Monitor and DeviceManager may return nil.
type LifecycleManager interface {
	Config() *config.Config
	Status() system.SystemStatus
	SubscribeStatus() chan system.SystemStatus
	UnsubscribeStatus(ch chan system.SystemStatus)

	Topology() *topology.Model
	Recorder() *procedure.Recorder
	Journal() *storage.Journal
	Collector() *observability.Collector
	Monitor() *controlpoint.Monitor
	DeviceManager() *devices.Manager
}

var _ LifecycleManager = (*system.LifecycleManager)(nil)
