// Package modbus provides the Modbus TCP transaction client and the register
// codec for the fixed 10-word device block.
package modbus

import (
	"encoding/binary"
	"fmt"

	"github.com/ahmeth-sd/scada-modbus-demo/internal/domain"
)

// Access describes whether a register may be written.
type Access string

const (
	AccessReadOnly Access = "ro"
	AccessWritable Access = "rw"
)

// Register addresses within the block.
const (
	AddrDeviceID   uint16 = 0
	AddrStatusBits uint16 = 1
	AddrPowerW     uint16 = 2
	AddrVoltage    uint16 = 3
	AddrCurrent    uint16 = 4
	AddrTemp       uint16 = 5
	AddrSoc        uint16 = 6
	AddrSetpointW  uint16 = 7
	AddrReserved0  uint16 = 8
	AddrReserved1  uint16 = 9
)

// RegisterDef describes one word of the block.
type RegisterDef struct {
	Address uint16
	Field   string
	Unit    string
	Divisor float64
	Signed  bool
	Access  Access
}

// Scale converts a raw word into its engineering value.
func (d RegisterDef) Scale(raw uint16) float64 {
	v := float64(raw)
	if d.Signed {
		v = float64(int16(raw))
	}
	return v / d.Divisor
}

// RegisterMap is the static layout of the device block, indexed by address.
var RegisterMap = [domain.BlockSize]RegisterDef{
	{Address: AddrDeviceID, Field: "device_id", Divisor: 1, Access: AccessReadOnly},
	{Address: AddrStatusBits, Field: "status_bits", Divisor: 1, Access: AccessReadOnly},
	{Address: AddrPowerW, Field: "power_w", Unit: "W", Divisor: 1, Signed: true, Access: AccessReadOnly},
	{Address: AddrVoltage, Field: "voltage_v", Unit: "V", Divisor: 10, Access: AccessReadOnly},
	{Address: AddrCurrent, Field: "current_a", Unit: "A", Divisor: 100, Access: AccessReadOnly},
	{Address: AddrTemp, Field: "temp_c", Unit: "°C", Divisor: 10, Access: AccessReadOnly},
	{Address: AddrSoc, Field: "soc_pct", Unit: "%", Divisor: 10, Access: AccessReadOnly},
	{Address: AddrSetpointW, Field: "setpoint_w", Unit: "W", Divisor: 1, Access: AccessWritable},
	{Address: AddrReserved0, Field: "reserved", Divisor: 1, Access: AccessReadOnly},
	{Address: AddrReserved1, Field: "reserved", Divisor: 1, Access: AccessReadOnly},
}

// Lookup returns the definition for an address.
func Lookup(addr uint16) (RegisterDef, bool) {
	if int(addr) >= len(RegisterMap) {
		return RegisterDef{}, false
	}
	return RegisterMap[addr], true
}

// Decode converts a register block into a reading with GOOD quality.
// It is a pure function of its inputs.
func Decode(block domain.RegisterBlock, ts domain.Timestamp) domain.Reading {
	scaled := func(addr uint16) float64 {
		return RegisterMap[addr].Scale(block[addr])
	}

	return domain.Reading{
		DeviceID:   int(scaled(AddrDeviceID)),
		StatusBits: block[AddrStatusBits],
		PowerW:     int(scaled(AddrPowerW)),
		VoltageV:   scaled(AddrVoltage),
		CurrentA:   scaled(AddrCurrent),
		TempC:      scaled(AddrTemp),
		SocPct:     scaled(AddrSoc),
		SetpointW:  int(scaled(AddrSetpointW)),
		Reserved:   [2]uint16{block[AddrReserved0], block[AddrReserved1]},
		Quality:    domain.QualityGood,
		Timestamp:  ts,
	}
}

// blockFromBytes unpacks a big-endian register payload.
// A payload that is not exactly one block long is a protocol error.
func blockFromBytes(data []byte) (domain.RegisterBlock, error) {
	var block domain.RegisterBlock
	if len(data) != domain.BlockSize*2 {
		return block, fmt.Errorf("%w: got %d bytes, want %d", domain.ErrInvalidDataLength, len(data), domain.BlockSize*2)
	}
	for i := range block {
		block[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return block, nil
}
