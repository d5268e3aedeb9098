// Package alert implements the Alert Engine (AE) of spec §4.7: threshold,
// range and rate-of-change rules over tag values, and status-trigger rules
// over connection status, each driven through a NORMAL -> TRIGGERED ->
// COOLDOWN -> NORMAL state machine with hysteresis and a cooldown window.
// It is grounded on the same CM-subscriber pattern internal/bridge uses,
// fed by connmgr.Manager's Subscribe() event stream.
package alert

import (
	"fmt"
	"sync"
	"time"

	"github.com/kcchien/iiot-gateway/internal/apperr"
	"github.com/kcchien/iiot-gateway/internal/connmgr"
	"github.com/kcchien/iiot-gateway/internal/logging"
	"github.com/kcchien/iiot-gateway/internal/metrics"
	"github.com/kcchien/iiot-gateway/internal/model"
)

// CM is the subset of connmgr.Manager the Alert Engine depends on.
type CM interface {
	Subscribe() (<-chan connmgr.Event, func())
	GetTag(tagID string) (model.Tag, bool)
}

// State is a rule's position in the NORMAL/TRIGGERED/COOLDOWN machine.
type State string

const (
	StateNormal    State = "normal"
	StateTriggered State = "triggered"
	StateCooldown  State = "cooldown"
)

// Fired is emitted on every NORMAL -> TRIGGERED transition (unless the rule
// is muted, in which case the state machine still advances but nothing is
// emitted).
type Fired struct {
	RuleID    string
	Severity  model.Severity
	Value     float64
	Timestamp int64
	Message   string
}

type rocSample struct {
	ts    int64
	value float64
}

type ruleState struct {
	mu             sync.Mutex
	rule           model.AlertRule
	state          State
	holding        bool  // condition currently holding
	conditionSince int64 // ms; start of the current hold, valid while holding
	cooldownUntil  int64 // ms
	roc            []rocSample
}

// Engine evaluates AlertRules against the CM event stream.
type Engine struct {
	cm      CM
	history *History
	log     *logging.Logger
	metrics *metrics.Registry

	mu        sync.RWMutex
	rules     map[string]*ruleState
	byTag     map[string][]string // tagID -> ruleIDs
	byConn    map[string][]string // connectionID -> ruleIDs

	firedCh chan Fired
	unsub   func()
	stopped chan struct{}
}

// New constructs an Engine backed by history for append-only persistence.
func New(cm CM, history *History, log *logging.Logger, metricsReg *metrics.Registry) *Engine {
	return &Engine{
		cm:      cm,
		history: history,
		log:     log,
		metrics: metricsReg,
		rules:   map[string]*ruleState{},
		byTag:   map[string][]string{},
		byConn:  map[string][]string{},
		firedCh: make(chan Fired, 256),
		stopped: make(chan struct{}),
	}
}

// Fired returns the channel of AlertFired notifications.
func (e *Engine) Fired() <-chan Fired { return e.firedCh }

// Start subscribes to the CM event stream and begins evaluating rules.
func (e *Engine) Start() {
	ch, unsub := e.cm.Subscribe()
	e.unsub = unsub
	go e.run(ch)
}

// Stop unsubscribes from CM and halts evaluation.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	close(e.stopped)
}

func (e *Engine) run(ch <-chan connmgr.Event) {
	for {
		select {
		case <-e.stopped:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case connmgr.EventData:
				for _, dp := range ev.Data {
					e.evaluateTagPoint(dp)
				}
			case connmgr.EventStatusChanged:
				e.evaluateStatus(ev.ConnectionID, ev.Status)
			case connmgr.EventTagDeleted, connmgr.EventConnectionDeleted:
				for _, tid := range ev.TagIDs {
					e.disableRulesForTag(tid)
				}
			}
		}
	}
}

// AddRule registers rule for evaluation. A tag-bound rule is indexed by
// TagRef; a status-trigger rule by ConnectionRef.
func (e *Engine) AddRule(rule model.AlertRule) (model.AlertRule, error) {
	if rule.ID == "" {
		rule.ID = model.NewID()
	}
	if rule.IsTagBound() {
		if _, ok := e.cm.GetTag(rule.TagRef); !ok {
			return model.AlertRule{}, apperr.New(apperr.KindValidation, "alert.AddRule", fmt.Errorf("tag %s not found", rule.TagRef))
		}
	} else if rule.ConnectionRef == "" {
		return model.AlertRule{}, apperr.New(apperr.KindValidation, "alert.AddRule", fmt.Errorf("rule must bind either tagRef or connectionRef"))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = &ruleState{rule: rule, state: StateNormal}
	if rule.IsTagBound() {
		e.byTag[rule.TagRef] = append(e.byTag[rule.TagRef], rule.ID)
	} else {
		e.byConn[rule.ConnectionRef] = append(e.byConn[rule.ConnectionRef], rule.ID)
	}
	return rule, nil
}

// RemoveRule drops a rule from evaluation.
func (e *Engine) RemoveRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.rules[ruleID]
	if !ok {
		return
	}
	delete(e.rules, ruleID)
	if rs.rule.IsTagBound() {
		e.byTag[rs.rule.TagRef] = removeID(e.byTag[rs.rule.TagRef], ruleID)
	} else {
		e.byConn[rs.rule.ConnectionRef] = removeID(e.byConn[rs.rule.ConnectionRef], ruleID)
	}
}

// SetMuted toggles a rule's muted flag: a muted rule still advances its
// state machine and history but emits no Fired notification.
func (e *Engine) SetMuted(ruleID string, muted bool) error {
	e.mu.RLock()
	rs, ok := e.rules[ruleID]
	e.mu.RUnlock()
	if !ok {
		return apperr.New(apperr.KindValidation, "alert.SetMuted", fmt.Errorf("rule %s not found", ruleID))
	}
	rs.mu.Lock()
	rs.rule.Muted = muted
	rs.mu.Unlock()
	return nil
}

// SetEnabled toggles a rule's enabled flag: a disabled rule is skipped
// entirely and its machine is reset to NORMAL.
func (e *Engine) SetEnabled(ruleID string, enabled bool) error {
	e.mu.RLock()
	rs, ok := e.rules[ruleID]
	e.mu.RUnlock()
	if !ok {
		return apperr.New(apperr.KindValidation, "alert.SetEnabled", fmt.Errorf("rule %s not found", ruleID))
	}
	rs.mu.Lock()
	rs.rule.Enabled = enabled
	if !enabled {
		rs.state = StateNormal
		rs.holding = false
		rs.conditionSince = 0
		rs.cooldownUntil = 0
		rs.roc = nil
	}
	rs.mu.Unlock()
	return nil
}

// Ack acknowledges a fired history row; per spec §9 Open Question (c) this
// annotates history only, it does not alter the rule state machine.
func (e *Engine) Ack(historyRowID int64, note string) error {
	return e.history.Ack(historyRowID, note)
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func (e *Engine) disableRulesForTag(tagID string) {
	e.mu.RLock()
	ids := append([]string(nil), e.byTag[tagID]...)
	e.mu.RUnlock()
	for _, id := range ids {
		_ = e.SetEnabled(id, false)
	}
}

func (e *Engine) evaluateTagPoint(dp model.DataPoint) {
	e.mu.RLock()
	ids := e.byTag[dp.TagID]
	states := make([]*ruleState, 0, len(ids))
	for _, id := range ids {
		states = append(states, e.rules[id])
	}
	e.mu.RUnlock()

	if dp.Quality != model.QualityGood {
		return
	}
	v, ok := toFloat(dp.Value)
	if !ok {
		return
	}
	for _, rs := range states {
		e.step(rs, v, dp.Timestamp)
	}
}

func (e *Engine) evaluateStatus(connectionID string, status model.ConnectionStatus) {
	e.mu.RLock()
	ids := e.byConn[connectionID]
	states := make([]*ruleState, 0, len(ids))
	for _, id := range ids {
		states = append(states, e.rules[id])
	}
	e.mu.RUnlock()

	now := time.Now().UnixMilli()
	for _, rs := range states {
		holds := status == rs.rule.StatusTrigger
		e.advance(rs, holds, 0, now)
	}
}

// step evaluates a tag-bound rule's condition against v at ts and advances
// its state machine.
func (e *Engine) step(rs *ruleState, v float64, ts int64) {
	rs.mu.Lock()
	holds := rs.evalCondition(v, ts)
	rs.mu.Unlock()
	e.advance(rs, holds, v, ts)
}

// evalCondition must be called with rs.mu held; it may mutate rs.roc.
func (rs *ruleState) evalCondition(v float64, ts int64) bool {
	c := rs.rule.Condition
	if c == nil {
		return false
	}
	switch {
	case c.Threshold != nil:
		return evalThreshold(c.Threshold, v)
	case c.Range != nil:
		return evalRange(c.Range, v)
	case c.ROC != nil:
		return rs.evalROC(c.ROC, v, ts)
	}
	return false
}

func evalThreshold(c *model.ThresholdCondition, v float64) bool {
	switch c.Op {
	case model.OpGT:
		return v > c.RHS
	case model.OpLT:
		return v < c.RHS
	case model.OpGE:
		return v >= c.RHS
	case model.OpLE:
		return v <= c.RHS
	case model.OpEQ:
		return v == c.RHS
	case model.OpNE:
		return v != c.RHS
	}
	return false
}

func evalRange(c *model.RangeCondition, v float64) bool {
	inside := v >= c.Min && v <= c.Max
	if c.Inside {
		return inside
	}
	return !inside
}

// evalROC computes the delta between v and the oldest sample still within
// the sliding window ending at ts, per spec §4.7's rate-of-change scenario.
func (rs *ruleState) evalROC(c *model.ROCCondition, v float64, ts int64) bool {
	rs.roc = append(rs.roc, rocSample{ts: ts, value: v})
	windowMs := int64(c.WindowS * 1000)
	cutoff := ts - windowMs
	i := 0
	for i < len(rs.roc)-1 && rs.roc[i].ts < cutoff {
		i++
	}
	rs.roc = rs.roc[i:]
	oldest := rs.roc[0].value
	delta := v - oldest
	switch c.Mode {
	case model.ROCAbsolute:
		return absFloat(delta) >= c.Threshold
	case model.ROCPercent:
		if oldest == 0 {
			return false
		}
		return absFloat(delta/oldest)*100 >= c.Threshold
	}
	return false
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// advance drives rs through NORMAL -> TRIGGERED -> COOLDOWN -> NORMAL per
// spec §4.7: a rule fires only once its condition has held continuously
// for durationMs, then suppresses refiring until cooldownMs after the
// condition ceases.
func (e *Engine) advance(rs *ruleState, holds bool, value float64, ts int64) {
	rs.mu.Lock()
	if !rs.rule.Enabled {
		rs.mu.Unlock()
		return
	}
	var fire *Fired
	var transition *HistoryRow
	old := rs.state

	switch rs.state {
	case StateNormal:
		if holds {
			if !rs.holding {
				rs.holding = true
				rs.conditionSince = ts
			}
			if ts-rs.conditionSince >= rs.rule.DurationMs {
				rs.state = StateTriggered
				if !rs.rule.Muted {
					fire = &Fired{RuleID: rs.rule.ID, Severity: rs.rule.Severity, Value: value, Timestamp: ts, Message: triggerMessage(rs.rule, value)}
				}
			}
		} else {
			rs.holding = false
		}
	case StateTriggered:
		if !holds {
			rs.state = StateCooldown
			rs.cooldownUntil = ts + rs.rule.CooldownMs
		}
	case StateCooldown:
		if ts >= rs.cooldownUntil {
			rs.state = StateNormal
			rs.holding = false
		}
	}

	if rs.state != old {
		transition = &HistoryRow{
			Ts: ts, RuleID: rs.rule.ID, OldState: string(old), NewState: string(rs.state),
			Value: value, Quality: model.QualityGood, Message: triggerMessage(rs.rule, value),
		}
	}
	rs.mu.Unlock()

	if transition != nil && e.history != nil {
		if err := e.history.Append(*transition); err != nil {
			e.log.Get(logging.CompAlert).Error().Err(err).Str("ruleId", rs.rule.ID).Msg("alert history append failed")
		}
	}
	if fire != nil {
		if e.metrics != nil {
			e.metrics.AlertFired(rs.rule.ID, rs.rule.Severity)
		}
		select {
		case e.firedCh <- *fire:
		default:
			e.log.Get(logging.CompAlert).Warn().Str("ruleId", rs.rule.ID).Msg("fired channel full, dropping notification")
		}
	}
}

func triggerMessage(rule model.AlertRule, value float64) string {
	if rule.IsTagBound() {
		return fmt.Sprintf("rule %s on tag %s: value=%v", rule.ID, rule.TagRef, value)
	}
	return fmt.Sprintf("rule %s on connection %s: status=%s", rule.ID, rule.ConnectionRef, rule.StatusTrigger)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
