package modbus

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kcchien/iiot-gateway/internal/model"
)

// Scenario 1 of spec §8: holding registers [0x4049, 0x0FD0] at ABCD decode
// to 3.14159... (pi as float32).
func TestDecodeFloat32_ABCD(t *testing.T) {
	v := DecodeFloat32(0x4049, 0x0FD0, model.ByteOrderABCD)
	require.InDelta(t, math.Pi, float64(v), 1e-4)
}

func TestDecodeFloat32_AllOrdersDiffer(t *testing.T) {
	reg0, reg1 := uint16(0x4049), uint16(0x0FD0)
	abcd := DecodeFloat32(reg0, reg1, model.ByteOrderABCD)
	dcba := DecodeFloat32(reg0, reg1, model.ByteOrderDCBA)
	cdab := DecodeFloat32(reg0, reg1, model.ByteOrderCDAB)
	badc := DecodeFloat32(reg0, reg1, model.ByteOrderBADC)

	vals := []float32{abcd, dcba, cdab, badc}
	for i := 0; i < len(vals); i++ {
		for j := i + 1; j < len(vals); j++ {
			require.NotEqual(t, vals[i], vals[j], "orders %d and %d produced the same value", i, j)
		}
	}
	require.InDelta(t, math.Pi, float64(abcd), 1e-4)
}

// Invariant 4 of spec §8: convertFloat32(convertFloat32_inverse(x, order),
// order) == x for every finite non-NaN x, across all byte orders.
func TestFloat32RoundTrip(t *testing.T) {
	orders := []model.ByteOrder{model.ByteOrderABCD, model.ByteOrderDCBA, model.ByteOrderBADC, model.ByteOrderCDAB}
	samples := []float32{0, 1, -1, 3.14159, -273.15, 1e10, 1e-10, math.MaxFloat32, -math.MaxFloat32, 123456.789}
	for _, order := range orders {
		for _, x := range samples {
			r0, r1 := EncodeFloat32(x, order)
			got := DecodeFloat32(r0, r1, order)
			require.Equal(t, x, got, "order=%s x=%v", order, x)
		}
	}
}

func TestDecodeInt16_SignExtends(t *testing.T) {
	require.Equal(t, int16(-32768), DecodeInt16(0x8000))
	require.Equal(t, int16(-1), DecodeInt16(0xFFFF))
	require.Equal(t, int16(100), DecodeInt16(100))
}

func TestDecodeASCIIString_TrimsNUL(t *testing.T) {
	// "OK" packed as one register (0x4F4B) then a NUL-padded register.
	regs := []uint16{0x4F4B, 0x0000}
	require.Equal(t, "OK", DecodeASCIIString(regs))
}

func TestDecode_ByDataType(t *testing.T) {
	v, err := Decode(model.DataTypeFloat32, []uint16{0x4049, 0x0FD0}, model.ByteOrderABCD)
	require.NoError(t, err)
	require.InDelta(t, math.Pi, float64(v.(float32)), 1e-4)

	_, err = Decode(model.DataTypeFloat32, []uint16{0x4049}, model.ByteOrderABCD)
	require.Error(t, err)
}

func TestDecodeUint64_ABCD(t *testing.T) {
	regs := [4]uint16{0, 0, 0, 1}
	got := DecodeUint64(regs, model.ByteOrderABCD)
	require.Equal(t, uint64(1), got)
}
