package alert

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kcchien/iiot-gateway/internal/connmgr"
	"github.com/kcchien/iiot-gateway/internal/logging"
	"github.com/kcchien/iiot-gateway/internal/model"
	"github.com/kcchien/iiot-gateway/internal/store"
)

type fakeCM struct {
	tags map[string]model.Tag
	chs  []chan connmgr.Event
}

func newFakeCM() *fakeCM {
	return &fakeCM{tags: map[string]model.Tag{}}
}

func (f *fakeCM) Subscribe() (<-chan connmgr.Event, func()) {
	ch := make(chan connmgr.Event, 64)
	f.chs = append(f.chs, ch)
	return ch, func() { close(ch) }
}

func (f *fakeCM) GetTag(tagID string) (model.Tag, bool) {
	t, ok := f.tags[tagID]
	return t, ok
}

func (f *fakeCM) emit(ev connmgr.Event) {
	for _, ch := range f.chs {
		ch <- ev
	}
}

func newTestHistory(t *testing.T) *History {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "rbs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	h, err := NewHistory(s.DB())
	require.NoError(t, err)
	return h
}

func dataPoint(tagID string, value interface{}, ts int64) connmgr.Event {
	return connmgr.Event{
		Kind: connmgr.EventData,
		Data: []model.DataPoint{{TagID: tagID, Timestamp: ts, Value: value, Quality: model.QualityGood}},
	}
}

func TestThresholdRule_HysteresisAndCooldown(t *testing.T) {
	cm := newFakeCM()
	cm.tags["t1"] = model.Tag{ID: "t1", Name: "temp"}
	hist := newTestHistory(t)
	e := New(cm, hist, logging.Default(false), nil)
	e.Start()
	defer e.Stop()

	rule, err := e.AddRule(model.AlertRule{
		TagRef:     "t1",
		Condition:  &model.AlertCondition{Threshold: &model.ThresholdCondition{Op: model.OpGT, RHS: 90}},
		Severity:   model.SeverityCritical,
		DurationMs: 5000,
		CooldownMs: 10000,
		Enabled:    true,
	})
	require.NoError(t, err)

	cm.emit(dataPoint("t1", 95.0, 0))
	select {
	case <-e.Fired():
		t.Fatal("should not fire before durationMs elapses")
	default:
	}

	cm.emit(dataPoint("t1", 96.0, 5000))
	fired := <-e.Fired()
	require.Equal(t, rule.ID, fired.RuleID)
	require.Equal(t, model.SeverityCritical, fired.Severity)

	cm.emit(dataPoint("t1", 50.0, 5100))
	cm.emit(dataPoint("t1", 99.0, 6000))
	select {
	case <-e.Fired():
		t.Fatal("should not refire during cooldown")
	default:
	}
}

func TestROCRule_PercentScenario(t *testing.T) {
	cm := newFakeCM()
	cm.tags["t1"] = model.Tag{ID: "t1", Name: "flow"}
	hist := newTestHistory(t)
	e := New(cm, hist, logging.Default(false), nil)
	e.Start()
	defer e.Stop()

	_, err := e.AddRule(model.AlertRule{
		TagRef: "t1",
		Condition: &model.AlertCondition{ROC: &model.ROCCondition{
			Mode: model.ROCPercent, WindowS: 60, Threshold: 5,
		}},
		Severity:   model.SeverityWarning,
		DurationMs: 0,
		CooldownMs: 1000,
		Enabled:    true,
	})
	require.NoError(t, err)

	cm.emit(dataPoint("t1", 100.0, 0))
	cm.emit(dataPoint("t1", 110.0, 30000))
	fired := <-e.Fired()
	require.Equal(t, model.SeverityWarning, fired.Severity)
}

func TestStatusTriggerRule(t *testing.T) {
	cm := newFakeCM()
	hist := newTestHistory(t)
	e := New(cm, hist, logging.Default(false), nil)
	e.Start()
	defer e.Stop()

	_, err := e.AddRule(model.AlertRule{
		ConnectionRef: "conn1",
		StatusTrigger: model.StatusError,
		Severity:      model.SeverityCritical,
		DurationMs:    0,
		CooldownMs:    1000,
		Enabled:       true,
	})
	require.NoError(t, err)

	cm.emit(connmgr.Event{Kind: connmgr.EventStatusChanged, ConnectionID: "conn1", Status: model.StatusError})
	fired := <-e.Fired()
	require.Equal(t, model.SeverityCritical, fired.Severity)
}

func TestMutedRule_AdvancesButDoesNotEmit(t *testing.T) {
	cm := newFakeCM()
	cm.tags["t1"] = model.Tag{ID: "t1", Name: "temp"}
	hist := newTestHistory(t)
	e := New(cm, hist, logging.Default(false), nil)
	e.Start()
	defer e.Stop()

	rule, err := e.AddRule(model.AlertRule{
		TagRef:     "t1",
		Condition:  &model.AlertCondition{Threshold: &model.ThresholdCondition{Op: model.OpGT, RHS: 10}},
		Severity:   model.SeverityInfo,
		DurationMs: 0,
		CooldownMs: 1000,
		Enabled:    true,
		Muted:      true,
	})
	require.NoError(t, err)

	cm.emit(dataPoint("t1", 20.0, 0))
	select {
	case <-e.Fired():
		t.Fatal("muted rule must not emit")
	default:
	}

	rows, err := hist.ListForRule(rule.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "triggered", rows[0].NewState)
}
