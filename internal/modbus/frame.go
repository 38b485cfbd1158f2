package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MBAP header (7 bytes) + function code + data
type ModbusFrame struct {
	TransactionID uint16 // request/response correlation
	ProtocolID    uint16 // always 0x0000 for Modbus
	Length        uint16 // number of following bytes
	UnitID        uint8
	FunctionCode  uint8
	Data          []byte
}

// Modbus function codes
const (
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleRegisters = 0x10

	exceptionBit = 0x80
)

const (
	headerSize = 7
	// maxFrameSize is the largest Modbus/TCP ADU.
	maxFrameSize = 260
)

// ErrException is wrapped by every ExceptionError.
var ErrException = errors.New("modbus exception")

// ExceptionError is a server exception response.
type ExceptionError struct {
	FunctionCode uint8
	Code         uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("%v: function 0x%02X code 0x%02X", ErrException, e.FunctionCode, e.Code)
}

func (e *ExceptionError) Unwrap() error { return ErrException }

// Encode builds the complete TCP frame.
func (f *ModbusFrame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2) // unit id + function code

	frame := make([]byte, headerSize+1+len(f.Data))

	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID

	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

// DecodeFrame parses a received frame.
func DecodeFrame(data []byte) (*ModbusFrame, error) {
	if len(data) < headerSize+1 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	frame := &ModbusFrame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}

	if frame.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", frame.ProtocolID)
	}
	if int(frame.Length) != len(data)-6 {
		return nil, fmt.Errorf("length mismatch: header says %d, got %d", frame.Length, len(data)-6)
	}

	if len(data) > headerSize+1 {
		frame.Data = data[headerSize+1:]
	}

	return frame, nil
}

// Exception returns the server exception carried by f, if any.
func (f *ModbusFrame) Exception() error {
	if f.FunctionCode&exceptionBit == 0 {
		return nil
	}
	code := uint8(0)
	if len(f.Data) > 0 {
		code = f.Data[0]
	}
	return &ExceptionError{FunctionCode: f.FunctionCode &^ exceptionBit, Code: code}
}

func readRegistersRequest(functionCode uint8, transactionID uint16, unitID uint8, startAddr uint16, quantity uint16) *ModbusFrame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], quantity)

	return &ModbusFrame{
		TransactionID: transactionID,
		UnitID:        unitID,
		FunctionCode:  functionCode,
		Data:          data,
	}
}

// ReadHoldingRegistersRequest builds a request for function code 0x03.
func ReadHoldingRegistersRequest(transactionID uint16, unitID uint8, startAddr uint16, quantity uint16) *ModbusFrame {
	return readRegistersRequest(FuncCodeReadHoldingRegisters, transactionID, unitID, startAddr, quantity)
}

// ReadInputRegistersRequest builds a request for function code 0x04.
func ReadInputRegistersRequest(transactionID uint16, unitID uint8, startAddr uint16, quantity uint16) *ModbusFrame {
	return readRegistersRequest(FuncCodeReadInputRegisters, transactionID, unitID, startAddr, quantity)
}

// WriteSingleRegisterRequest builds a request for function code 0x06.
func WriteSingleRegisterRequest(transactionID uint16, unitID uint8, addr uint16, value uint16) *ModbusFrame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], value)

	return &ModbusFrame{
		TransactionID: transactionID,
		UnitID:        unitID,
		FunctionCode:  FuncCodeWriteSingleRegister,
		Data:          data,
	}
}

// WriteMultipleRegistersRequest builds a request for function code 0x10.
func WriteMultipleRegistersRequest(transactionID uint16, unitID uint8, startAddr uint16, values []uint16) *ModbusFrame {
	data := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+2*i:], v)
	}

	return &ModbusFrame{
		TransactionID: transactionID,
		UnitID:        unitID,
		FunctionCode:  FuncCodeWriteMultipleRegisters,
		Data:          data,
	}
}

// ParseRegisterResponse parses a holding/input register response.
func (f *ModbusFrame) ParseRegisterResponse() ([]uint16, error) {
	if err := f.Exception(); err != nil {
		return nil, err
	}
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := int(f.Data[0])
	if byteCount%2 != 0 || len(f.Data) < byteCount+1 {
		return nil, fmt.Errorf("incomplete response data")
	}

	registers := make([]uint16, byteCount/2)
	for i := range registers {
		offset := 1 + i*2
		registers[i] = binary.BigEndian.Uint16(f.Data[offset : offset+2])
	}

	return registers, nil
}
