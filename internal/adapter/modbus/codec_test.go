package modbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmeth-sd/scada-modbus-demo/internal/domain"
)

func testTimestamp() domain.Timestamp {
	return domain.Timestamp{
		Wall: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Mono: 42 * time.Second,
	}
}

// TestDecodeScalesEveryField tests that each register is scaled by its divisor.
func TestDecodeScalesEveryField(t *testing.T) {
	block := domain.RegisterBlock{7, 0x0005, 1500, 2305, 1234, 625, 875, 2000, 0xBEEF, 0x0102}
	ts := testTimestamp()

	r := Decode(block, ts)

	assert.Equal(t, 7, r.DeviceID)
	assert.Equal(t, uint16(0x0005), r.StatusBits)
	assert.Equal(t, 1500, r.PowerW)
	assert.InDelta(t, 230.5, r.VoltageV, 1e-9)
	assert.InDelta(t, 12.34, r.CurrentA, 1e-9)
	assert.Equal(t, 62.5, r.TempC)
	assert.InDelta(t, 87.5, r.SocPct, 1e-9)
	assert.Equal(t, 2000, r.SetpointW)
	assert.Equal(t, [2]uint16{0xBEEF, 0x0102}, r.Reserved)
	assert.Equal(t, domain.QualityGood, r.Quality)
	assert.Equal(t, ts, r.Timestamp)
}

// TestDecodeTemperature tests the alarm input scaling.
func TestDecodeTemperature(t *testing.T) {
	tests := []struct {
		raw  uint16
		want float64
	}{
		{raw: 0, want: 0},
		{raw: 625, want: 62.5},
		{raw: 600, want: 60},
		{raw: 580, want: 58},
		{raw: 1, want: 0.1},
	}

	for _, tt := range tests {
		var block domain.RegisterBlock
		block[AddrTemp] = tt.raw
		assert.InDelta(t, tt.want, Decode(block, testTimestamp()).TempC, 1e-9, "raw %d", tt.raw)
	}
}

// TestDecodeSignedPower tests that power uses two's complement.
func TestDecodeSignedPower(t *testing.T) {
	var block domain.RegisterBlock

	block[AddrPowerW] = 0xFF9C
	assert.Equal(t, -100, Decode(block, testTimestamp()).PowerW)

	block[AddrPowerW] = 0x7FFF
	assert.Equal(t, 32767, Decode(block, testTimestamp()).PowerW)

	block[AddrPowerW] = 0x8000
	assert.Equal(t, -32768, Decode(block, testTimestamp()).PowerW)
}

// TestDecodeIsDeterministic tests that the same input yields the same reading.
func TestDecodeIsDeterministic(t *testing.T) {
	block := domain.RegisterBlock{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	ts := testTimestamp()

	assert.Equal(t, Decode(block, ts), Decode(block, ts))
}

// TestRegisterMap tests the static layout.
func TestRegisterMap(t *testing.T) {
	for i, def := range RegisterMap {
		assert.Equal(t, uint16(i), def.Address, "address of %s", def.Field)
		assert.NotZero(t, def.Divisor, "divisor of %s", def.Field)
	}

	def, ok := Lookup(AddrSetpointW)
	require.True(t, ok)
	assert.Equal(t, AccessWritable, def.Access)

	def, ok = Lookup(AddrTemp)
	require.True(t, ok)
	assert.Equal(t, AccessReadOnly, def.Access)
	assert.Equal(t, "temp_c", def.Field)

	_, ok = Lookup(domain.BlockSize)
	assert.False(t, ok)
}

// TestBlockFromBytes tests unpacking of the wire payload.
func TestBlockFromBytes(t *testing.T) {
	data := make([]byte, domain.BlockSize*2)
	data[10], data[11] = 0x02, 0x71 // address 5 = 625

	block, err := blockFromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(625), block[AddrTemp])

	_, err = blockFromBytes(data[:18])
	require.ErrorIs(t, err, domain.ErrInvalidDataLength)

	_, err = blockFromBytes(append(data, 0, 0))
	require.ErrorIs(t, err, domain.ErrInvalidDataLength)
}
