package modbus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kcchien/iiot-gateway/internal/apperr"
	"github.com/kcchien/iiot-gateway/internal/model"
)

// ParseAddress parses a Modicon-style, IEC-style, or plain numeric address
// string into a (RegisterType, zero-based address) pair, per spec §4.1.a.
//
//	40001..49999 -> holding[0..9998]
//	30001..39999 -> input[0..9998]
//	00001..09999 -> coil[0..9998]
//	10001..19999 -> discrete[0..9998]
//	HR/IR/C/DI + N (IEC form, N already zero-based)
//	a 6-digit extended form follows the same leading-digit convention
func ParseAddress(s string) (model.RegisterType, int, error) {
	trimmed := strings.TrimSpace(s)
	upper := strings.ToUpper(trimmed)

	switch {
	case strings.HasPrefix(upper, "HR"):
		return parseIEC(upper, "HR", model.RegisterHolding)
	case strings.HasPrefix(upper, "IR"):
		return parseIEC(upper, "IR", model.RegisterInput)
	case strings.HasPrefix(upper, "DI"):
		return parseIEC(upper, "DI", model.RegisterDiscrete)
	case strings.HasPrefix(upper, "C"):
		return parseIEC(upper, "C", model.RegisterCoil)
	}

	if !isAllDigits(trimmed) {
		return "", 0, apperr.New(apperr.KindConfig, "modbus.ParseAddress", fmt.Errorf("invalid address %q", s))
	}

	switch len(trimmed) {
	case 5:
		n, _ := strconv.Atoi(trimmed)
		switch {
		case n >= 40001 && n <= 49999:
			return model.RegisterHolding, n - 40001, nil
		case n >= 30001 && n <= 39999:
			return model.RegisterInput, n - 30001, nil
		case n >= 10001 && n <= 19999:
			return model.RegisterDiscrete, n - 10001, nil
		case n >= 1 && n <= 9999:
			return model.RegisterCoil, n - 1, nil
		}
	case 6:
		n, _ := strconv.Atoi(trimmed)
		return parseExtended(n)
	}
	return "", 0, apperr.New(apperr.KindConfig, "modbus.ParseAddress", fmt.Errorf("address %q requires an explicit register type", s))
}

// parseExtended handles the 6-digit extended Modicon form, where the
// leading digit selects the register family over a wider address space
// (e.g. 400001-465535 for holding registers).
func parseExtended(n int) (model.RegisterType, int, error) {
	switch {
	case n >= 400001 && n <= 465535:
		return model.RegisterHolding, n - 400001, nil
	case n >= 300001 && n <= 365535:
		return model.RegisterInput, n - 300001, nil
	case n >= 100001 && n <= 165535:
		return model.RegisterDiscrete, n - 100001, nil
	case n >= 1 && n <= 65535:
		return model.RegisterCoil, n - 1, nil
	}
	return "", 0, apperr.New(apperr.KindConfig, "modbus.ParseAddress", fmt.Errorf("extended address %d out of range", n))
}

func parseIEC(upper, prefix string, rt model.RegisterType) (model.RegisterType, int, error) {
	rest := strings.TrimPrefix(upper, prefix)
	n, err := strconv.Atoi(rest)
	if err != nil {
		return "", 0, apperr.New(apperr.KindConfig, "modbus.ParseAddress", fmt.Errorf("invalid IEC address %q%s", prefix, rest))
	}
	return rt, n, nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
