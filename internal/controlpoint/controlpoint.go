package controlpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownPoint is returned when a network has no control point with the requested id.
	ErrUnknownPoint = errors.New("unknown control point")

	// ErrReadOnly is returned when a write is issued to a point that only supports reads.
	ErrReadOnly = errors.New("control point is read-only")
)

// Network is the hardware-access layer that owns all control points.
// Reads and writes are synchronous; the caller bounds them through ctx.
type Network interface {
	Read(ctx context.Context, id string) (float64, error)
	Write(ctx context.Context, id string, value float64) error
}

// ControlPoint is an addressable hardware variable bound to a Network.
type ControlPoint interface {
	ID() string
	Read(ctx context.Context) (float64, error)
	Write(ctx context.Context, value float64) error
}

// Point binds a control point id to a network with a per-call timeout.
type Point struct {
	id      string
	network Network
	timeout time.Duration
}

// Bind returns a ControlPoint for id. A zero timeout means the caller's
// context alone bounds each call.
func Bind(network Network, id string, timeout time.Duration) *Point {
	return &Point{id: id, network: network, timeout: timeout}
}

func (p *Point) ID() string {
	return p.id
}

func (p *Point) Read(ctx context.Context) (float64, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	v, err := p.network.Read(ctx, p.id)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", p.id, err)
	}
	return v, nil
}

func (p *Point) Write(ctx context.Context, value float64) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	if err := p.network.Write(ctx, p.id, value); err != nil {
		return fmt.Errorf("write %s=%g: %w", p.id, value, err)
	}
	return nil
}

func (p *Point) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

// Binder hands out points on one network with a shared timeout.
type Binder struct {
	Network Network
	Timeout time.Duration
}

// Point binds id. An empty id yields nil so optional points stay optional.
func (b Binder) Point(id string) ControlPoint {
	if id == "" {
		return nil
	}
	return Bind(b.Network, id, b.Timeout)
}
