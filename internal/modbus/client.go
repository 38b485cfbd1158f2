package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrNotConnected is returned when a request is sent before Connect.
var ErrNotConnected = errors.New("not connected")

type Client struct {
	address       string
	conn          net.Conn
	mu            sync.Mutex
	transactionID uint16
	timeout       time.Duration
	connected     bool
}

func NewClient(address string, timeout time.Duration) *Client {
	return &Client{
		address: address,
		timeout: timeout,
	}
}

func (c *Client) Address() string {
	return c.address
}

// Connect opens the TCP connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.connected {
		return nil
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.conn = conn
	c.connected = true

	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if !c.connected {
		return nil
	}

	err := c.conn.Close()
	c.connected = false
	c.conn = nil

	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendFrame sends a request and waits for the matching response. A
// connection that fails mid-exchange is dropped and redialled on the
// next request.
func (c *Client) SendFrame(ctx context.Context, request *ModbusFrame) (*ModbusFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		if err := c.connectLocked(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
	}

	conn := c.conn
	c.transactionID++
	request.TransactionID = c.transactionID

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		c.closeLocked()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(request.Encode()); err != nil {
		c.closeLocked()
		return nil, c.wrapIOError(ctx, "write failed", err)
	}

	response, err := readFrame(conn)
	if err != nil {
		c.closeLocked()
		return nil, c.wrapIOError(ctx, "read failed", err)
	}

	if response.TransactionID != request.TransactionID {
		c.closeLocked()
		return nil, fmt.Errorf("transaction ID mismatch: expected %d, got %d",
			request.TransactionID, response.TransactionID)
	}

	return response, nil
}

func readFrame(conn net.Conn) (*ModbusFrame, error) {
	buf := make([]byte, maxFrameSize)
	if _, err := io.ReadFull(conn, buf[:headerSize]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(buf[4:6]))
	if length < 2 || headerSize-1+length > maxFrameSize {
		return nil, fmt.Errorf("invalid frame length %d", length)
	}
	n := headerSize - 1 + length
	if _, err := io.ReadFull(conn, buf[headerSize:n]); err != nil {
		return nil, err
	}

	response, err := DecodeFrame(buf[:n])
	if err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	return response, nil
}

func (c *Client) wrapIOError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
			return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ReadHoldingRegisters reads holding registers (FC 0x03).
func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, ReadHoldingRegistersRequest(0, unitID, startAddr, quantity), quantity)
}

// ReadInputRegisters reads input registers (FC 0x04).
func (c *Client) ReadInputRegisters(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, ReadInputRegistersRequest(0, unitID, startAddr, quantity), quantity)
}

func (c *Client) readRegisters(ctx context.Context, request *ModbusFrame, quantity uint16) ([]uint16, error) {
	response, err := c.SendFrame(ctx, request)
	if err != nil {
		return nil, err
	}

	registers, err := response.ParseRegisterResponse()
	if err != nil {
		return nil, err
	}
	if len(registers) != int(quantity) {
		return nil, fmt.Errorf("expected %d registers, got %d", quantity, len(registers))
	}
	return registers, nil
}

// WriteSingleRegister writes one register (FC 0x06).
func (c *Client) WriteSingleRegister(ctx context.Context, unitID uint8, addr uint16, value uint16) error {
	response, err := c.SendFrame(ctx, WriteSingleRegisterRequest(0, unitID, addr, value))
	if err != nil {
		return err
	}
	return response.Exception()
}

// WriteMultipleRegisters writes consecutive registers (FC 0x10).
func (c *Client) WriteMultipleRegisters(ctx context.Context, unitID uint8, startAddr uint16, values []uint16) error {
	response, err := c.SendFrame(ctx, WriteMultipleRegistersRequest(0, unitID, startAddr, values))
	if err != nil {
		return err
	}
	return response.Exception()
}
