package devices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
	"github.com/KevinKickass/OpenBeamlineCore/internal/modbus"
	"go.uber.org/zap"
)

const (
	defaultPort    = 502
	defaultTimeout = time.Second
)

// Manager owns the Modbus devices of a control point map and exposes
// their registers as one controlpoint.Network.
type Manager struct {
	loader  *MapLoader
	devices map[string]*modbus.Device
	network *modbus.Network
	mu      sync.RWMutex
	logger  *zap.Logger
}

func NewManager(searchPaths []string, logger *zap.Logger) (*Manager, error) {
	loader, err := NewMapLoader(searchPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to create map loader: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		loader:  loader,
		devices: make(map[string]*modbus.Device),
		network: modbus.NewNetwork(),
		logger:  logger,
	}, nil
}

// LoadMap loads a control point map by name and binds its points.
// Devices are not connected; see ConnectAll.
func (m *Manager) LoadMap(name string) error {
	def, err := m.loader.Load(name)
	if err != nil {
		return fmt.Errorf("failed to load map %s: %w", name, err)
	}
	return m.apply(def)
}

func (m *Manager) apply(def *MapDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	created := make(map[string]*modbus.Device, len(def.Devices))
	for _, d := range def.Devices {
		if _, exists := m.devices[d.Name]; exists {
			return fmt.Errorf("device %s already loaded", d.Name)
		}

		port := d.Port
		if port == 0 {
			port = defaultPort
		}
		timeout := defaultTimeout
		if d.TimeoutMs > 0 {
			timeout = time.Duration(d.TimeoutMs) * time.Millisecond
		}

		device, err := modbus.NewDevice(d.Name, d.Address, port, uint8(d.UnitID), d.Registers, timeout)
		if err != nil {
			return fmt.Errorf("failed to create device: %w", err)
		}
		created[d.Name] = device
	}

	for _, p := range def.Points {
		device, ok := created[p.Device]
		if !ok {
			return fmt.Errorf("control point %s: unknown device %s", p.ID, p.Device)
		}
		if err := m.network.Bind(p.ID, device, p.Register); err != nil {
			return err
		}
	}

	for name, device := range created {
		m.devices[name] = device
		m.logger.Info("Device loaded",
			zap.String("name", name),
			zap.String("address", device.Client.Address()),
			zap.Int("registers", len(device.RegisterMap)))
	}
	m.logger.Info("Control point map loaded",
		zap.String("version", def.Version),
		zap.Int("devices", len(def.Devices)),
		zap.Int("points", len(def.Points)))

	return nil
}

// ConnectAll dials every device. Devices that fail stay loaded and are
// redialled on their next request; the failures are returned joined.
func (m *Manager) ConnectAll(ctx context.Context) error {
	m.mu.RLock()
	devices := make([]*modbus.Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.RUnlock()

	var errs []error
	for _, d := range devices {
		if err := d.Connect(ctx); err != nil {
			m.logger.Warn("Device connection failed",
				zap.String("device", d.Name),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		m.logger.Info("Device connected", zap.String("device", d.Name))
	}
	return errors.Join(errs...)
}

// Network returns the control point network of all loaded devices.
func (m *Manager) Network() controlpoint.Network {
	return m.network
}

// PointIDs returns the bound control point ids.
func (m *Manager) PointIDs() []string {
	return m.network.IDs()
}

// CheckPoints reports ids that no loaded device provides.
func (m *Manager) CheckPoints(ids []string) error {
	bound := make(map[string]bool)
	for _, id := range m.network.IDs() {
		bound[id] = true
	}
	var missing []string
	for _, id := range ids {
		if !bound[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %v", controlpoint.ErrUnknownPoint, missing)
	}
	return nil
}

// GetDevice returns device by name
func (m *Manager) GetDevice(name string) (*modbus.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, exists := m.devices[name]
	return device, exists
}

// ListDevices returns all devices sorted by name
func (m *Manager) ListDevices() []DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]DeviceInfo, 0, len(m.devices))
	for _, d := range m.devices {
		infos = append(infos, DeviceInfo{
			Name:      d.Name,
			Address:   d.Client.Address(),
			UnitID:    d.UnitID,
			Registers: len(d.RegisterMap),
			Connected: d.Client.IsConnected(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return infos
}

// StopAll disconnects all devices
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, device := range m.devices {
		if err := device.Disconnect(); err != nil {
			m.logger.Error("Failed to disconnect device",
				zap.String("device", device.Name),
				zap.Error(err))
		}
	}

	return nil
}
