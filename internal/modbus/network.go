package modbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
)

type binding struct {
	device   *Device
	register string
}

// Network resolves control point ids to device registers. It implements
// controlpoint.Network.
type Network struct {
	mu       sync.RWMutex
	bindings map[string]binding
}

func NewNetwork() *Network {
	return &Network{bindings: make(map[string]binding)}
}

// Bind maps id onto register of device.
func (n *Network) Bind(id string, device *Device, register string) error {
	if _, ok := device.Register(register); !ok {
		return fmt.Errorf("control point %s: device %s has no register %s", id, device.Name, register)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, dup := n.bindings[id]; dup {
		return fmt.Errorf("control point %s bound twice", id)
	}
	n.bindings[id] = binding{device: device, register: register}
	return nil
}

func (n *Network) lookup(id string) (binding, error) {
	n.mu.RLock()
	b, ok := n.bindings[id]
	n.mu.RUnlock()
	if !ok {
		return binding{}, fmt.Errorf("%w: %s", controlpoint.ErrUnknownPoint, id)
	}
	return b, nil
}

func (n *Network) Read(ctx context.Context, id string) (float64, error) {
	b, err := n.lookup(id)
	if err != nil {
		return 0, err
	}
	return b.device.ReadRegister(ctx, b.register)
}

func (n *Network) Write(ctx context.Context, id string, value float64) error {
	b, err := n.lookup(id)
	if err != nil {
		return err
	}
	err = b.device.WriteRegister(ctx, b.register, value)
	if errors.Is(err, ErrRegisterReadOnly) {
		return fmt.Errorf("%w: %w", controlpoint.ErrReadOnly, err)
	}
	return err
}

// IDs returns the bound control point ids in order.
func (n *Network) IDs() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	ids := make([]string, 0, len(n.bindings))
	for id := range n.bindings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
