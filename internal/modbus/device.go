package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Device is one Modbus/TCP server with its register map.
type Device struct {
	Name        string
	UnitID      uint8
	Client      *Client
	RegisterMap map[string]*RegisterDefinition

	mu         sync.RWMutex
	lastValues map[string]float64
}

func NewDevice(
	name string,
	address string,
	port int,
	unitID uint8,
	registers []RegisterDefinition,
	timeout time.Duration,
) (*Device, error) {
	registerMap := make(map[string]*RegisterDefinition, len(registers))
	for i := range registers {
		reg := &registers[i]
		if _, dup := registerMap[reg.Name]; dup {
			return nil, fmt.Errorf("device %s: duplicate register %s", name, reg.Name)
		}
		registerMap[reg.Name] = reg
	}

	client := NewClient(fmt.Sprintf("%s:%d", address, port), timeout)

	return &Device{
		Name:        name,
		UnitID:      unitID,
		Client:      client,
		RegisterMap: registerMap,
		lastValues:  make(map[string]float64),
	}, nil
}

func (d *Device) Connect(ctx context.Context) error {
	if err := d.Client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", d.Name, err)
	}
	return nil
}

func (d *Device) Disconnect() error {
	return d.Client.Close()
}

func (d *Device) Register(name string) (*RegisterDefinition, bool) {
	reg, ok := d.RegisterMap[name]
	return reg, ok
}

func (d *Device) ReadRegister(ctx context.Context, registerName string) (float64, error) {
	reg, exists := d.Register(registerName)
	if !exists {
		return 0, fmt.Errorf("register not found: %s", registerName)
	}

	var values []uint16
	var err error
	switch reg.Type {
	case RegisterTypeHoldingRegister:
		values, err = d.Client.ReadHoldingRegisters(ctx, d.UnitID, reg.Address, reg.Quantity())
	case RegisterTypeInputRegister:
		values, err = d.Client.ReadInputRegisters(ctx, d.UnitID, reg.Address, reg.Quantity())
	default:
		return 0, fmt.Errorf("unsupported register type: %s", reg.Type)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read register %s: %w", registerName, err)
	}

	value, err := reg.Decode(values)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	d.lastValues[registerName] = value
	d.mu.Unlock()

	return value, nil
}

// ErrRegisterReadOnly is returned for writes to read-only registers.
var ErrRegisterReadOnly = errors.New("register is read-only")

func (d *Device) WriteRegister(ctx context.Context, registerName string, value float64) error {
	reg, exists := d.Register(registerName)
	if !exists {
		return fmt.Errorf("register not found: %s", registerName)
	}

	if reg.Access != AccessTypeReadWrite || reg.Type != RegisterTypeHoldingRegister {
		return fmt.Errorf("%w: %s", ErrRegisterReadOnly, registerName)
	}

	words, err := reg.Encode(value)
	if err != nil {
		return err
	}

	if len(words) == 1 {
		err = d.Client.WriteSingleRegister(ctx, d.UnitID, reg.Address, words[0])
	} else {
		err = d.Client.WriteMultipleRegisters(ctx, d.UnitID, reg.Address, words)
	}
	if err != nil {
		return fmt.Errorf("failed to write register %s: %w", registerName, err)
	}
	return nil
}

func (d *Device) GetLastValue(registerName string) (float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	value, exists := d.lastValues[registerName]
	return value, exists
}
