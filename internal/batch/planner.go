// Package batch implements the Modbus Batch Read Planner of spec §4.2: a
// pure function that groups tags into the minimal set of register reads
// honoring the protocol's 125-register limit and a configurable maximum
// address gap.
package batch

import (
	"sort"

	"github.com/kcchien/iiot-gateway/internal/model"
)

// Config tunes the planner. Defaults match spec §4.2.
type Config struct {
	Enabled      bool `json:"enabled"`
	MaxGap       int  `json:"maxGap"`
	MaxRegisters int  `json:"maxRegisters"`
}

// DefaultConfig returns the spec's default BatchReadConfig.
func DefaultConfig() Config {
	return Config{Enabled: true, MaxGap: 10, MaxRegisters: 125}
}

// Member is one tag's placement within a ReadBatch.
type Member struct {
	Tag    model.Tag
	Offset int
	Length int
}

// ReadBatch is one minimal Modbus request covering a contiguous (within
// MaxGap) run of registers.
type ReadBatch struct {
	RegisterType model.RegisterType
	UnitID       int
	StartAddress int
	Length       int
	Members      []Member
}

const defaultUnitID = 1

func effectiveUnitID(a *model.ModbusAddress, fallback int) int {
	if a.UnitID != nil {
		return *a.UnitID
	}
	return fallback
}

type groupKey struct {
	regType model.RegisterType
	unitID  int
}

// Plan groups enabled Modbus tags into the minimal list of ReadBatches.
// Non-Modbus, disabled, or malformed tags are omitted. When cfg.Enabled is
// false, every tag becomes its own single-member batch (no coalescing).
func Plan(tags []model.Tag, cfg Config, defaultUnitIDVal int) []ReadBatch {
	if defaultUnitIDVal == 0 {
		defaultUnitIDVal = defaultUnitID
	}
	groups := map[groupKey][]model.Tag{}
	var order []groupKey
	for _, t := range tags {
		if !t.Enabled || t.Address.Kind != model.ProtocolModbusTCP || t.Address.Modbus == nil {
			continue
		}
		a := t.Address.Modbus
		k := groupKey{regType: a.RegisterType, unitID: effectiveUnitID(a, defaultUnitIDVal)}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], t)
	}

	var batches []ReadBatch
	for _, k := range order {
		group := groups[k]
		sort.Slice(group, func(i, j int) bool {
			return group[i].Address.Modbus.Address < group[j].Address.Modbus.Address
		})

		if !cfg.Enabled {
			for _, t := range group {
				a := t.Address.Modbus
				length := registerLength(t)
				batches = append(batches, ReadBatch{
					RegisterType: k.regType,
					UnitID:       k.unitID,
					StartAddress: a.Address,
					Length:       length,
					Members:      []Member{{Tag: t, Offset: 0, Length: length}},
				})
			}
			continue
		}

		var cur *ReadBatch
		for _, t := range group {
			a := t.Address.Modbus
			length := registerLength(t)
			if cur == nil {
				b := ReadBatch{RegisterType: k.regType, UnitID: k.unitID, StartAddress: a.Address, Length: length}
				cur = &b
				cur.Members = append(cur.Members, Member{Tag: t, Offset: 0, Length: length})
				continue
			}
			gap := a.Address - (cur.StartAddress + cur.Length)
			newLength := (a.Address + length) - cur.StartAddress
			if gap < cfg.MaxGap && newLength <= cfg.MaxRegisters {
				offset := a.Address - cur.StartAddress
				cur.Members = append(cur.Members, Member{Tag: t, Offset: offset, Length: length})
				cur.Length = newLength
				continue
			}
			batches = append(batches, *cur)
			b := ReadBatch{RegisterType: k.regType, UnitID: k.unitID, StartAddress: a.Address, Length: length}
			cur = &b
			cur.Members = append(cur.Members, Member{Tag: t, Offset: 0, Length: length})
		}
		if cur != nil {
			batches = append(batches, *cur)
		}
	}
	return batches
}

// registerLength returns the register span a tag occupies: coil/discrete
// tags are measured in bits but planned in register-equivalent units of 1
// per spec's "bool on coil/discrete ⇒ 1 bit" rule, addressed independently
// of holding/input registers (different groupKey).
func registerLength(t model.Tag) int {
	a := t.Address.Modbus
	if a.Length > 0 {
		return a.Length
	}
	return t.DataType.RegisterCount()
}

// Extract returns the slice of raw register/bit values belonging to member
// m, given the full response raw for its batch.
func Extract(raw []uint16, m Member) []uint16 {
	end := m.Offset + m.Length
	if end > len(raw) {
		end = len(raw)
	}
	if m.Offset > end {
		return nil
	}
	return raw[m.Offset:end]
}
