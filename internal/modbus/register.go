package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
)

type RegisterType string

const (
	RegisterTypeInputRegister   RegisterType = "input_register"
	RegisterTypeHoldingRegister RegisterType = "holding_register"
)

type DataType string

const (
	DataTypeBool    DataType = "bool"
	DataTypeInt16   DataType = "int16"
	DataTypeUint16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeUint32  DataType = "uint32"
	DataTypeFloat32 DataType = "float32"
)

type AccessType string

const (
	AccessTypeReadOnly  AccessType = "read_only"
	AccessTypeReadWrite AccessType = "read_write"
)

// RegisterDefinition maps a named value onto one or two registers.
// Engineering value = raw * ScaleFactor + Offset.
type RegisterDefinition struct {
	Name        string       `json:"name"`
	Address     uint16       `json:"address"`
	Type        RegisterType `json:"type"`
	DataType    DataType     `json:"data_type"`
	ScaleFactor float64      `json:"scale_factor,omitempty"`
	Offset      float64      `json:"offset,omitempty"`
	Unit        string       `json:"unit,omitempty"`
	Access      AccessType   `json:"access"`
	Description string       `json:"description,omitempty"`
}

// Quantity is the number of 16-bit registers the value spans.
func (r *RegisterDefinition) Quantity() uint16 {
	switch r.DataType {
	case DataTypeInt32, DataTypeUint32, DataTypeFloat32:
		return 2
	default:
		return 1
	}
}

func (r *RegisterDefinition) scale() float64 {
	if r.ScaleFactor == 0 {
		return 1.0
	}
	return r.ScaleFactor
}

// Decode converts raw registers (big-endian word order) to an engineering value.
func (r *RegisterDefinition) Decode(registers []uint16) (float64, error) {
	if len(registers) < int(r.Quantity()) {
		return 0, fmt.Errorf("register %s: got %d words, need %d", r.Name, len(registers), r.Quantity())
	}

	var raw float64
	switch r.DataType {
	case DataTypeBool:
		if registers[0] != 0 {
			raw = 1
		}
		return raw, nil
	case DataTypeUint16:
		raw = float64(registers[0])
	case DataTypeInt16:
		raw = float64(int16(registers[0]))
	case DataTypeUint32:
		raw = float64(uint32(registers[0])<<16 | uint32(registers[1]))
	case DataTypeInt32:
		raw = float64(int32(uint32(registers[0])<<16 | uint32(registers[1])))
	case DataTypeFloat32:
		raw = float64(math.Float32frombits(uint32(registers[0])<<16 | uint32(registers[1])))
	default:
		return 0, fmt.Errorf("register %s: unsupported data type %q", r.Name, r.DataType)
	}
	return raw*r.scale() + r.Offset, nil
}

// Encode converts an engineering value to the registers to write.
func (r *RegisterDefinition) Encode(value float64) ([]uint16, error) {
	if r.DataType == DataTypeBool {
		if value != 0 {
			return []uint16{1}, nil
		}
		return []uint16{0}, nil
	}

	raw := (value - r.Offset) / r.scale()
	switch r.DataType {
	case DataTypeUint16:
		v := math.Round(raw)
		if v < 0 || v > math.MaxUint16 {
			return nil, fmt.Errorf("register %s: %g out of uint16 range", r.Name, value)
		}
		return []uint16{uint16(v)}, nil
	case DataTypeInt16:
		v := math.Round(raw)
		if v < math.MinInt16 || v > math.MaxInt16 {
			return nil, fmt.Errorf("register %s: %g out of int16 range", r.Name, value)
		}
		return []uint16{uint16(int16(v))}, nil
	case DataTypeFloat32:
		bits := math.Float32bits(float32(raw))
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], bits)
		return []uint16{binary.BigEndian.Uint16(buf[0:2]), binary.BigEndian.Uint16(buf[2:4])}, nil
	}
	return nil, fmt.Errorf("register %s: writes of %s not supported", r.Name, r.DataType)
}
