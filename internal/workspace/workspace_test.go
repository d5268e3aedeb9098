package workspace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kcchien/iiot-gateway/internal/model"
)

type fakeCM struct {
	conns []model.Connection
	tags  map[string][]model.Tag
}

func (f *fakeCM) List() []model.Connection { return f.conns }

func (f *fakeCM) Create(c model.Connection) (model.Connection, error) {
	c.ID = "conn-" + c.Name
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeCM) GetTags(connectionID string) ([]model.Tag, error) {
	return f.tags[connectionID], nil
}

func (f *fakeCM) AddTag(t model.Tag) (model.Tag, error) {
	t.ID = "tag-" + t.Name
	f.tags[t.ConnectionID] = append(f.tags[t.ConnectionID], t)
	return t, nil
}

type fakeBE struct{ started []model.Bridge }

func (f *fakeBE) Start(b model.Bridge) error {
	f.started = append(f.started, b)
	return nil
}

type fakeAE struct{ added []model.AlertRule }

func (f *fakeAE) AddRule(r model.AlertRule) (model.AlertRule, error) {
	r.ID = "rule-1"
	f.added = append(f.added, r)
	return r, nil
}

func sampleDoc() Document {
	return Document{
		Meta: Meta{SchemaVersion: 1},
		Connections: []ConnectionDoc{
			{Name: "plcA", Protocol: model.ProtocolModbusTCP, Config: map[string]interface{}{"host": "10.0.0.5"}},
			{Name: "broker", Protocol: model.ProtocolMQTT, Config: map[string]interface{}{"brokerUrl": "tcp://localhost:1883"}},
		},
		Tags: []TagDoc{
			{Name: "temperature", Connection: "plcA", DataType: model.DataTypeFloat32, Enabled: true},
		},
		Bridges: []BridgeDoc{
			{Name: "fwd", SourceConnection: "plcA", SourceTags: []string{"temperature"}, TargetConnection: "broker",
				TargetConfig: model.BridgeTargetConfig{TopicTemplate: "plc/{{tagName}}", PayloadTemplate: "{{value}}"}},
		},
		AlertRules: []AlertRuleDoc{
			{Name: "hiTemp", Tag: "plcA/temperature", Severity: model.SeverityWarning,
				Condition: &model.AlertCondition{Threshold: &model.ThresholdCondition{Op: model.OpGT, RHS: 90}},
				Enabled:   true},
		},
	}
}

func TestImport_ResolvesNamesToIDs(t *testing.T) {
	cm := &fakeCM{tags: map[string][]model.Tag{}}
	be := &fakeBE{}
	ae := &fakeAE{}
	im := NewImporter(cm, be, ae)

	res, err := im.Import(sampleDoc(), PolicySkip)
	require.NoError(t, err)
	require.Equal(t, "conn-plcA", res.ConnectionIDByName["plcA"])
	require.Equal(t, "tag-temperature", res.TagIDByName["plcA/temperature"])
	require.Len(t, be.started, 1)
	require.Equal(t, []string{"tag-temperature"}, be.started[0].SourceTagIDs)
	require.Len(t, ae.added, 1)
	require.Equal(t, "tag-temperature", ae.added[0].TagRef)
}

func TestImport_SkipPolicy_ExistingConnection(t *testing.T) {
	cm := &fakeCM{
		conns: []model.Connection{{ID: "existing-plcA", Name: "plcA", Protocol: model.ProtocolModbusTCP}},
		tags:  map[string][]model.Tag{},
	}
	be := &fakeBE{}
	ae := &fakeAE{}
	im := NewImporter(cm, be, ae)

	res, err := im.Import(sampleDoc(), PolicySkip)
	require.NoError(t, err)
	require.Equal(t, "existing-plcA", res.ConnectionIDByName["plcA"])
	require.Contains(t, res.Skipped, "connection:plcA")
}

func TestImport_RenamePolicy_ExistingConnection(t *testing.T) {
	cm := &fakeCM{
		conns: []model.Connection{{ID: "existing-plcA", Name: "plcA", Protocol: model.ProtocolModbusTCP}},
		tags:  map[string][]model.Tag{},
	}
	be := &fakeBE{}
	ae := &fakeAE{}
	im := NewImporter(cm, be, ae)

	res, err := im.Import(sampleDoc(), PolicyRename)
	require.NoError(t, err)
	require.Equal(t, "plcA-2", res.Renamed["plcA"])
	require.Equal(t, "conn-plcA-2", res.ConnectionIDByName["plcA"])
}

func TestExport_RoundTripsNames(t *testing.T) {
	in := ExportInput{
		Connections: []model.Connection{{ID: "c1", Name: "plcA", Protocol: model.ProtocolModbusTCP}},
		TagsByConnection: map[string][]model.Tag{
			"c1": {{ID: "t1", Name: "temperature", ConnectionID: "c1"}},
		},
		Bridges: []model.Bridge{
			{ID: "b1", SourceConnectionID: "c1", SourceTagIDs: []string{"t1"}, TargetConnectionID: "c1"},
		},
		AlertRules: []model.AlertRule{
			{ID: "r1", TagRef: "t1", Severity: model.SeverityWarning,
				Condition: &model.AlertCondition{Threshold: &model.ThresholdCondition{Op: model.OpGT, RHS: 5}}},
		},
	}
	doc := Export(in)
	require.Len(t, doc.Connections, 1)
	require.Equal(t, "plcA", doc.Connections[0].Name)
	require.Len(t, doc.Tags, 1)
	require.Equal(t, "plcA", doc.Tags[0].Connection)
	require.Equal(t, []string{"temperature"}, doc.Bridges[0].SourceTags)
	require.Equal(t, "plcA/temperature", doc.AlertRules[0].Tag)

	out, err := Marshal(doc)
	require.NoError(t, err)
	back, err := Unmarshal(out)
	require.NoError(t, err)
	require.Equal(t, doc.Connections[0].Name, back.Connections[0].Name)
}
