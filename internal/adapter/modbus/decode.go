// Package modbus implements the Modbus TCP protocol adapter of spec
// §4.1.a, built on github.com/goburrow/modbus for the session/ADU layer.
package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/kcchien/iiot-gateway/internal/model"
)

// reorder32 returns the two registers in the order the wire bytes should
// be assembled, per spec §4.1.a:
//
//	ABCD (default, big-endian):  [reg0, reg1]
//	DCBA (little-endian):        [reg1, reg0] with bytes swapped within each word
//	BADC (mid-big):              [reg0, reg1] with bytes swapped within each word
//	CDAB (mid-little):           [reg1, reg0]
func reorder32(reg0, reg1 uint16, order model.ByteOrder) [4]byte {
	swapWord := func(r uint16) uint16 { return (r << 8) | (r >> 8) }
	var hi, lo uint16
	switch order {
	case model.ByteOrderDCBA:
		hi, lo = swapWord(reg1), swapWord(reg0)
	case model.ByteOrderBADC:
		hi, lo = swapWord(reg0), swapWord(reg1)
	case model.ByteOrderCDAB:
		hi, lo = reg1, reg0
	default: // ABCD
		hi, lo = reg0, reg1
	}
	var buf [4]byte
	binary.BigEndian.PutUint16(buf[0:2], hi)
	binary.BigEndian.PutUint16(buf[2:4], lo)
	return buf
}

// DecodeFloat32 decodes two consecutive holding/input registers as an
// IEEE-754 big-endian float32 after reordering per order.
func DecodeFloat32(reg0, reg1 uint16, order model.ByteOrder) float32 {
	buf := reorder32(reg0, reg1, order)
	bits := binary.BigEndian.Uint32(buf[:])
	return math.Float32frombits(bits)
}

// EncodeFloat32 is the inverse of DecodeFloat32: given a value and a byte
// order, returns the two registers that would decode back to value. Used
// to test the round-trip invariant of spec §8.4.
func EncodeFloat32(v float32, order model.ByteOrder) (reg0, reg1 uint16) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], math.Float32bits(v))
	hi := binary.BigEndian.Uint16(buf[0:2])
	lo := binary.BigEndian.Uint16(buf[2:4])
	swapWord := func(r uint16) uint16 { return (r << 8) | (r >> 8) }
	switch order {
	case model.ByteOrderDCBA:
		reg1, reg0 = swapWord(hi), swapWord(lo)
	case model.ByteOrderBADC:
		reg0, reg1 = swapWord(hi), swapWord(lo)
	case model.ByteOrderCDAB:
		reg1, reg0 = hi, lo
	default:
		reg0, reg1 = hi, lo
	}
	return
}

// DecodeInt32 decodes two registers as a two's-complement big-endian
// int32 after reordering per order.
func DecodeInt32(reg0, reg1 uint16, order model.ByteOrder) int32 {
	return int32(DecodeUint32(reg0, reg1, order))
}

// DecodeUint32 decodes two registers as a big-endian uint32 after
// reordering per order.
func DecodeUint32(reg0, reg1 uint16, order model.ByteOrder) uint32 {
	buf := reorder32(reg0, reg1, order)
	return binary.BigEndian.Uint32(buf[:])
}

// DecodeInt16 sign-extends a raw 16-bit register (0x8000 and above become
// negative).
func DecodeInt16(reg uint16) int16 {
	return int16(reg)
}

// DecodeUint16 passes a raw register through unchanged.
func DecodeUint16(reg uint16) uint16 {
	return reg
}

// DecodeFloat64 decodes four consecutive registers (two 32-bit halves) as
// an IEEE-754 big-endian float64. The high half uses regs[0:2] reordered,
// the low half regs[2:4] reordered, independently, then concatenated.
func DecodeFloat64(regs [4]uint16, order model.ByteOrder) float64 {
	bits := Decode64Bits(regs, order)
	return math.Float64frombits(bits)
}

// DecodeInt64 decodes four registers as a two's-complement big-endian
// int64.
func DecodeInt64(regs [4]uint16, order model.ByteOrder) int64 {
	return int64(Decode64Bits(regs, order))
}

// DecodeUint64 decodes four registers as a big-endian uint64.
func DecodeUint64(regs [4]uint16, order model.ByteOrder) uint64 {
	return Decode64Bits(regs, order)
}

// Decode64Bits assembles four registers into the raw 64-bit pattern,
// reordering each 32-bit half independently per order, matching how real
// devices extend the 2-register byte-order convention to 4-register
// values.
func Decode64Bits(regs [4]uint16, order model.ByteOrder) uint64 {
	hiBuf := reorder32(regs[0], regs[1], order)
	loBuf := reorder32(regs[2], regs[3], order)
	var buf [8]byte
	copy(buf[0:4], hiBuf[:])
	copy(buf[4:8], loBuf[:])
	return binary.BigEndian.Uint64(buf[:])
}

// DecodeASCIIString decodes ASCII text packed two characters per register,
// high byte first, trimmed of trailing NUL bytes.
func DecodeASCIIString(regs []uint16) string {
	buf := make([]byte, 0, len(regs)*2)
	for _, r := range regs {
		buf = append(buf, byte(r>>8), byte(r&0xFF))
	}
	return strings.TrimRight(string(buf), "\x00")
}

// DecodeBool decodes a single coil/discrete bit.
func DecodeBool(bit uint16) bool {
	return bit != 0
}

// Decode converts a batch.Member's raw register slice into a typed Go
// value according to the tag's DataType and the connection's byte order.
func Decode(dt model.DataType, raw []uint16, order model.ByteOrder) (interface{}, error) {
	switch dt {
	case model.DataTypeBool:
		if len(raw) < 1 {
			return nil, fmt.Errorf("modbus: decode bool: empty register slice")
		}
		return DecodeBool(raw[0]), nil
	case model.DataTypeInt16:
		if len(raw) < 1 {
			return nil, fmt.Errorf("modbus: decode int16: empty register slice")
		}
		return DecodeInt16(raw[0]), nil
	case model.DataTypeUint16:
		if len(raw) < 1 {
			return nil, fmt.Errorf("modbus: decode uint16: empty register slice")
		}
		return DecodeUint16(raw[0]), nil
	case model.DataTypeInt32:
		if len(raw) < 2 {
			return nil, fmt.Errorf("modbus: decode int32: need 2 registers, got %d", len(raw))
		}
		return DecodeInt32(raw[0], raw[1], order), nil
	case model.DataTypeUint32:
		if len(raw) < 2 {
			return nil, fmt.Errorf("modbus: decode uint32: need 2 registers, got %d", len(raw))
		}
		return DecodeUint32(raw[0], raw[1], order), nil
	case model.DataTypeFloat32:
		if len(raw) < 2 {
			return nil, fmt.Errorf("modbus: decode float32: need 2 registers, got %d", len(raw))
		}
		return DecodeFloat32(raw[0], raw[1], order), nil
	case model.DataTypeInt64, model.DataTypeUint64, model.DataTypeFloat64:
		if len(raw) < 4 {
			return nil, fmt.Errorf("modbus: decode %s: need 4 registers, got %d", dt, len(raw))
		}
		var regs [4]uint16
		copy(regs[:], raw[:4])
		switch dt {
		case model.DataTypeInt64:
			return DecodeInt64(regs, order), nil
		case model.DataTypeUint64:
			return DecodeUint64(regs, order), nil
		default:
			return DecodeFloat64(regs, order), nil
		}
	case model.DataTypeString:
		return DecodeASCIIString(raw), nil
	default:
		return nil, fmt.Errorf("modbus: unsupported data type %q", dt)
	}
}
