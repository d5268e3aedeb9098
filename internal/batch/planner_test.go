package batch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kcchien/iiot-gateway/internal/model"
)

func modbusTag(name string, address, length int) model.Tag {
	return model.Tag{
		ID:      "tag-" + name,
		Name:    name,
		Enabled: true,
		DataType: model.DataTypeInt16,
		Address: model.Address{
			Kind: model.ProtocolModbusTCP,
			Modbus: &model.ModbusAddress{
				RegisterType: model.RegisterHolding,
				Address:      address,
				Length:       length,
			},
		},
	}
}

// Tags at 100(len1), 101(len1), 103(len2), 120(len1) with maxGap=10: a/b/c
// chain with gaps of 0 and 1 (both < 10) into one {start=100,len=5} batch,
// but the 104->120 gap is 15, which is not < 10, so d starts a new batch.
// See DESIGN.md's "batch planner gap semantics" note.
func TestPlan_SeedScenario_MaxGapTen(t *testing.T) {
	tags := []model.Tag{
		modbusTag("a", 100, 1),
		modbusTag("b", 101, 1),
		modbusTag("c", 103, 2),
		modbusTag("d", 120, 1),
	}
	cfg := Config{Enabled: true, MaxGap: 10, MaxRegisters: 125}
	batches := Plan(tags, cfg, 1)
	require.Len(t, batches, 2)
	require.Equal(t, 100, batches[0].StartAddress)
	require.Equal(t, 5, batches[0].Length)
	require.Len(t, batches[0].Members, 3)
	require.Equal(t, 120, batches[1].StartAddress)
	require.Equal(t, 1, batches[1].Length)
	require.Len(t, batches[1].Members, 1)
}

// Same tags at maxGap=1: the gap test is strict (gap < maxGap), so even
// the 101->103 gap of 1 fails to merge, splitting into three batches.
func TestPlan_SeedScenario_MaxGapOne(t *testing.T) {
	tags := []model.Tag{
		modbusTag("a", 100, 1),
		modbusTag("b", 101, 1),
		modbusTag("c", 103, 2),
		modbusTag("d", 120, 1),
	}
	cfg := Config{Enabled: true, MaxGap: 1, MaxRegisters: 125}
	batches := Plan(tags, cfg, 1)
	require.Len(t, batches, 3)
	require.Equal(t, 100, batches[0].StartAddress)
	require.Equal(t, 2, batches[0].Length)
	require.Equal(t, 103, batches[1].StartAddress)
	require.Equal(t, 2, batches[1].Length)
	require.Equal(t, 120, batches[2].StartAddress)
	require.Equal(t, 1, batches[2].Length)
}

func TestPlan_Disabled_OneBatchPerTag(t *testing.T) {
	tags := []model.Tag{modbusTag("a", 100, 1), modbusTag("b", 101, 1)}
	batches := Plan(tags, Config{Enabled: false, MaxGap: 10, MaxRegisters: 125}, 1)
	require.Len(t, batches, 2)
}

func TestPlan_RespectsMaxRegisters(t *testing.T) {
	var tags []model.Tag
	for i := 0; i < 130; i++ {
		tags = append(tags, modbusTag("t", i, 1))
	}
	batches := Plan(tags, Config{Enabled: true, MaxGap: 10, MaxRegisters: 125}, 1)
	for _, b := range batches {
		require.LessOrEqual(t, b.Length, 125)
	}
	total := 0
	for _, b := range batches {
		total += len(b.Members)
	}
	require.Equal(t, 130, total)
}

func TestPlan_CoversInputSetExactlyOnce(t *testing.T) {
	tags := []model.Tag{
		modbusTag("a", 0, 1),
		modbusTag("b", 5, 1),
		modbusTag("c", 50, 1),
		modbusTag("d", 200, 1),
	}
	batches := Plan(tags, DefaultConfig(), 1)
	seen := map[string]bool{}
	for _, b := range batches {
		for _, m := range b.Members {
			require.False(t, seen[m.Tag.ID], "tag %s seen twice", m.Tag.ID)
			seen[m.Tag.ID] = true
		}
	}
	require.Len(t, seen, len(tags))
}

func TestPlan_IgnoresDisabledAndForeignProtocol(t *testing.T) {
	disabled := modbusTag("x", 0, 1)
	disabled.Enabled = false
	mqttTag := model.Tag{
		ID: "mqtt1", Enabled: true,
		Address: model.Address{Kind: model.ProtocolMQTT, Mqtt: &model.MqttAddress{Topic: "a/b"}},
	}
	tags := []model.Tag{disabled, mqttTag, modbusTag("ok", 10, 1)}
	batches := Plan(tags, DefaultConfig(), 1)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Members, 1)
	require.Equal(t, "tag-ok", batches[0].Members[0].Tag.ID)
}

func TestExtract(t *testing.T) {
	raw := []uint16{10, 20, 30, 40, 50}
	m := Member{Offset: 2, Length: 2}
	require.Equal(t, []uint16{30, 40}, Extract(raw, m))
}

func TestPlan_GroupsByUnitID(t *testing.T) {
	a := modbusTag("a", 0, 1)
	unit2 := 2
	a.Address.Modbus.UnitID = &unit2
	b := modbusTag("b", 0, 1)
	batches := Plan([]model.Tag{a, b}, DefaultConfig(), 1)
	require.Len(t, batches, 2)
}
