package modbus

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is a minimal Modbus/TCP server over two register banks.
type fakeServer struct {
	t        *testing.T
	listener net.Listener

	mu      sync.Mutex
	holding map[uint16]uint16
	input   map[uint16]uint16
	stall   bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{
		t:        t,
		listener: l,
		holding:  make(map[uint16]uint16),
		input:    make(map[uint16]uint16),
	}
	go s.serve()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *fakeServer) hostPort() (string, int) {
	host, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (s *fakeServer) setHolding(addr uint16, words ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range words {
		s.holding[addr+uint16(i)] = w
	}
}

func (s *fakeServer) setInput(addr uint16, words ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range words {
		s.input[addr+uint16(i)] = w
	}
}

func (s *fakeServer) holdingAt(addr uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holding[addr]
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	for {
		header := make([]byte, 7)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(header[4:6])
		body := make([]byte, length-1)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		req, err := DecodeFrame(append(header, body...))
		if err != nil {
			return
		}

		s.mu.Lock()
		stall := s.stall
		s.mu.Unlock()
		if stall {
			continue
		}

		resp := s.respond(req)
		resp.TransactionID = req.TransactionID
		resp.UnitID = req.UnitID
		if _, err := conn.Write(resp.Encode()); err != nil {
			return
		}
	}
}

func (s *fakeServer) respond(req *ModbusFrame) *ModbusFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	exception := func(code uint8) *ModbusFrame {
		return &ModbusFrame{FunctionCode: req.FunctionCode | exceptionBit, Data: []byte{code}}
	}

	switch req.FunctionCode {
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		bank := s.holding
		if req.FunctionCode == FuncCodeReadInputRegisters {
			bank = s.input
		}
		start := binary.BigEndian.Uint16(req.Data[0:2])
		qty := binary.BigEndian.Uint16(req.Data[2:4])
		data := []byte{byte(2 * qty)}
		for i := uint16(0); i < qty; i++ {
			v, ok := bank[start+i]
			if !ok {
				return exception(0x02)
			}
			data = binary.BigEndian.AppendUint16(data, v)
		}
		return &ModbusFrame{FunctionCode: req.FunctionCode, Data: data}
	case FuncCodeWriteSingleRegister:
		addr := binary.BigEndian.Uint16(req.Data[0:2])
		s.holding[addr] = binary.BigEndian.Uint16(req.Data[2:4])
		return &ModbusFrame{FunctionCode: req.FunctionCode, Data: req.Data}
	case FuncCodeWriteMultipleRegisters:
		addr := binary.BigEndian.Uint16(req.Data[0:2])
		qty := binary.BigEndian.Uint16(req.Data[2:4])
		for i := uint16(0); i < qty; i++ {
			s.holding[addr+i] = binary.BigEndian.Uint16(req.Data[5+2*i:])
		}
		return &ModbusFrame{FunctionCode: req.FunctionCode, Data: req.Data[:4]}
	}
	return exception(0x01)
}

func TestFrameRoundTrip(t *testing.T) {
	req := ReadInputRegistersRequest(7, 3, 0x0102, 2)
	raw := req.Encode()
	require.Equal(t, []byte{0, 7, 0, 0, 0, 6, 3, 0x04, 0x01, 0x02, 0, 2}, raw)

	got, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), got.TransactionID)
	assert.Equal(t, uint8(3), got.UnitID)
	assert.Equal(t, uint8(FuncCodeReadInputRegisters), got.FunctionCode)
	assert.Equal(t, []byte{0x01, 0x02, 0, 2}, got.Data)
}

func TestDecodeFrameErrors(t *testing.T) {
	_, err := DecodeFrame([]byte{0, 1, 0})
	require.Error(t, err)

	_, err = DecodeFrame([]byte{0, 1, 0, 9, 0, 2, 1, 3})
	require.ErrorContains(t, err, "protocol")

	_, err = DecodeFrame([]byte{0, 1, 0, 0, 0, 9, 1, 3})
	require.ErrorContains(t, err, "length")
}

func TestParseExceptionResponse(t *testing.T) {
	f := &ModbusFrame{FunctionCode: FuncCodeReadHoldingRegisters | exceptionBit, Data: []byte{0x02}}
	_, err := f.ParseRegisterResponse()
	require.ErrorIs(t, err, ErrException)

	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, uint8(FuncCodeReadHoldingRegisters), exc.FunctionCode)
	assert.Equal(t, uint8(0x02), exc.Code)
}

func TestRegisterCodec(t *testing.T) {
	tests := []struct {
		name  string
		reg   RegisterDefinition
		words []uint16
		value float64
	}{
		{"uint16 scaled", RegisterDefinition{DataType: DataTypeUint16, ScaleFactor: 0.1}, []uint16{9500}, 950},
		{"int16 negative", RegisterDefinition{DataType: DataTypeInt16, ScaleFactor: 0.01}, []uint16{0xDA9A}, -95.74},
		{"uint32", RegisterDefinition{DataType: DataTypeUint32}, []uint16{0x0001, 0x0002}, 65538},
		{"int32", RegisterDefinition{DataType: DataTypeInt32}, []uint16{0xFFFF, 0xFFFE}, -2},
		{"float32", RegisterDefinition{DataType: DataTypeFloat32}, []uint16{0x3F00, 0x0000}, 0.5},
		{"bool", RegisterDefinition{DataType: DataTypeBool}, []uint16{3}, 1},
		{"offset", RegisterDefinition{DataType: DataTypeUint16, ScaleFactor: 0.5, Offset: -10}, []uint16{40}, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := tt.reg.Decode(tt.words)
			require.NoError(t, err)
			assert.InDelta(t, tt.value, v, 1e-9)
		})
	}

	reg := RegisterDefinition{Name: "win", DataType: DataTypeInt16, ScaleFactor: 0.01}
	words, err := reg.Encode(-95)
	require.NoError(t, err)
	assert.Equal(t, []uint16{uint16(0xDAE4)}, words)

	_, err = reg.Encode(1000)
	require.Error(t, err)

	_, err = (&RegisterDefinition{DataType: DataTypeUint32}).Encode(1)
	require.Error(t, err)

	_, err = (&RegisterDefinition{DataType: DataTypeUint32}).Decode([]uint16{1})
	require.Error(t, err)
}

func newTestDevice(t *testing.T, s *fakeServer) *Device {
	t.Helper()
	host, port := s.hostPort()
	d, err := NewDevice("vacuum-plc", host, port, 1, []RegisterDefinition{
		{Name: "sample_pressure", Address: 10, Type: RegisterTypeInputRegister, DataType: DataTypeFloat32, Access: AccessTypeReadOnly},
		{Name: "sample_pump", Address: 100, Type: RegisterTypeHoldingRegister, DataType: DataTypeUint16, Access: AccessTypeReadWrite},
		{Name: "window", Address: 110, Type: RegisterTypeHoldingRegister, DataType: DataTypeInt16, ScaleFactor: 0.01, Access: AccessTypeReadWrite},
		{Name: "window_rbv", Address: 120, Type: RegisterTypeHoldingRegister, DataType: DataTypeFloat32, Access: AccessTypeReadWrite},
		{Name: "gv_status", Address: 130, Type: RegisterTypeHoldingRegister, DataType: DataTypeUint16, Access: AccessTypeReadOnly},
	}, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { d.Disconnect() })
	return d
}

func TestNetworkReadWrite(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	s := newFakeServer(t)
	s.setInput(10, 0x3F33, 0x3333) // 0.7
	s.setHolding(100, 0)
	s.setHolding(130, 1)

	d := newTestDevice(t, s)
	require.NoError(d.Connect(ctx))

	n := NewNetwork()
	require.NoError(n.Bind("sample:pressure", d, "sample_pressure"))
	require.NoError(n.Bind("sample:pump", d, "sample_pump"))
	require.NoError(n.Bind("window:set", d, "window"))
	require.NoError(n.Bind("window:rbv", d, "window_rbv"))
	require.NoError(n.Bind("gv:status", d, "gv_status"))
	require.Error(n.Bind("sample:pump", d, "sample_pump"))
	require.Error(n.Bind("nope", d, "missing"))
	require.Equal([]string{"gv:status", "sample:pressure", "sample:pump", "window:rbv", "window:set"}, n.IDs())

	var network controlpoint.Network = n
	p, err := network.Read(ctx, "sample:pressure")
	require.NoError(err)
	require.InDelta(0.7, p, 1e-6)
	last, ok := d.GetLastValue("sample_pressure")
	require.True(ok)
	require.InDelta(0.7, last, 1e-6)

	require.NoError(network.Write(ctx, "sample:pump", 3))
	require.Equal(uint16(3), s.holdingAt(100))

	require.NoError(network.Write(ctx, "window:set", -95))
	v, err := network.Read(ctx, "window:set")
	require.NoError(err)
	require.InDelta(-95, v, 1e-9)

	require.NoError(network.Write(ctx, "window:rbv", -94.5))
	v, err = network.Read(ctx, "window:rbv")
	require.NoError(err)
	require.InDelta(-94.5, v, 1e-9)

	err = network.Write(ctx, "gv:status", 0)
	require.ErrorIs(err, controlpoint.ErrReadOnly)

	_, err = network.Read(ctx, "unknown")
	require.ErrorIs(err, controlpoint.ErrUnknownPoint)
}

func TestDeviceExceptionAndReconnect(t *testing.T) {
	ctx := context.Background()
	s := newFakeServer(t)
	d := newTestDevice(t, s)

	// Not connected yet: the first request dials.
	_, err := d.ReadRegister(ctx, "sample_pump")
	require.ErrorIs(t, err, ErrException)
	require.True(t, d.Client.IsConnected())

	s.setHolding(100, 2)
	v, err := d.ReadRegister(ctx, "sample_pump")
	require.NoError(t, err)
	require.Equal(t, 2.0, v)

	require.NoError(t, d.Disconnect())
	v, err = d.ReadRegister(ctx, "sample_pump")
	require.NoError(t, err)
	require.Equal(t, 2.0, v)
}

func TestClientHonoursContext(t *testing.T) {
	s := newFakeServer(t)
	s.mu.Lock()
	s.stall = true
	s.mu.Unlock()
	d := newTestDevice(t, s)
	require.NoError(t, d.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.ReadRegister(ctx, "sample_pump")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.False(t, d.Client.IsConnected())
}

func TestNewDeviceRejectsDuplicateRegisters(t *testing.T) {
	_, err := NewDevice("d", "127.0.0.1", 502, 1, []RegisterDefinition{{Name: "a"}, {Name: "a"}}, time.Second)
	require.Error(t, err)
}
