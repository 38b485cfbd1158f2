package devices

import "github.com/KevinKickass/OpenBeamlineCore/internal/modbus"

// MapDefinition is a control point map file: the Modbus devices of the
// beamline and the control point ids bound to their registers.
type MapDefinition struct {
	Version     string             `json:"version"`
	Description string             `json:"description,omitempty"`
	Devices     []DeviceDefinition `json:"devices"`
	Points      []PointBinding     `json:"points"`
}

type DeviceDefinition struct {
	Name        string                      `json:"name"`
	Description string                      `json:"description,omitempty"`
	Address     string                      `json:"address"`
	Port        int                         `json:"port,omitempty"`
	UnitID      int                         `json:"unit_id,omitempty"`
	TimeoutMs   int                         `json:"timeout_ms,omitempty"`
	Registers   []modbus.RegisterDefinition `json:"registers"`
}

type PointBinding struct {
	ID          string `json:"id"`
	Device      string `json:"device"`
	Register    string `json:"register"`
	Description string `json:"description,omitempty"`
}

// DeviceInfo is the runtime view of a loaded device.
type DeviceInfo struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	UnitID    uint8  `json:"unit_id"`
	Registers int    `json:"registers"`
	Connected bool   `json:"connected"`
}
