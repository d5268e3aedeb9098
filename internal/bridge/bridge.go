// Package bridge implements the Bridge Engine (BE) of spec §4.6: one
// goroutine per running Bridge that subscribes to a source connection's
// DataPoint stream, applies the quality filter and per-tag rate limit,
// renders the target's topic/payload templates, and writes through the
// target adapter — queuing when the target is disconnected and flushing
// on reconnect.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kcchien/iiot-gateway/internal/adapter"
	"github.com/kcchien/iiot-gateway/internal/apperr"
	"github.com/kcchien/iiot-gateway/internal/connmgr"
	"github.com/kcchien/iiot-gateway/internal/logging"
	"github.com/kcchien/iiot-gateway/internal/metrics"
	"github.com/kcchien/iiot-gateway/internal/model"
)

// DefaultQueueMax is the bound spec §4.6 specifies for a bridge's target
// write queue while the target is disconnected.
const DefaultQueueMax = 1024

// DefaultBackoffMs is the wait before a bridge in status=error returns to
// active after a transient target write failure.
const DefaultBackoffMs = 2000

// CM is the subset of the Connection Manager the Bridge Engine needs:
// the data/status event bus, the authoritative tag lookup, and direct
// adapter access for the write-without-a-known-tag target path.
type CM interface {
	Subscribe() (<-chan connmgr.Event, func())
	GetTag(tagID string) (model.Tag, bool)
	Adapter(connectionID string) (adapter.Adapter, bool)
}

// Stats are the per-bridge counters spec §4.6 exposes.
type Stats struct {
	ForwardedCount int64
	DroppedCount   int64
	ErrorCount     int64
	LastForwardAt  int64
	LastError      string
}

type queuedWrite struct {
	tagID, tagName, connectionID string
	value                        interface{}
	timestamp                    int64
	quality                      model.Quality
}

type runningBridge struct {
	mu       sync.Mutex
	bridge   model.Bridge
	status   model.BridgeStatus
	cancel   context.CancelFunc
	unsub    func()
	limiters map[string]*rate.Limiter
	queue    []queuedWrite
	stats    Stats
}

// Engine runs the set of active Bridges.
type Engine struct {
	mu      sync.Mutex
	cm      CM
	log     *logging.Logger
	metrics *metrics.Registry
	running map[string]*runningBridge
}

// New constructs a Bridge Engine driven by cm.
func New(cm CM, log *logging.Logger, metricsReg *metrics.Registry) *Engine {
	return &Engine{cm: cm, log: log, metrics: metricsReg, running: map[string]*runningBridge{}}
}

// Start subscribes b's source tags and begins forwarding, per spec §4.6's
// idle -> active transition.
func (e *Engine) Start(b model.Bridge) error {
	e.mu.Lock()
	if _, exists := e.running[b.ID]; exists {
		e.mu.Unlock()
		return apperr.New(apperr.KindValidation, "bridge.Start", errAlreadyRunning(b.ID))
	}
	ch, unsub := e.cm.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	status := model.BridgeActive
	if b.Options.Paused {
		status = model.BridgePaused
	}
	rb := &runningBridge{bridge: b, status: status, cancel: cancel, unsub: unsub, limiters: map[string]*rate.Limiter{}}
	e.running[b.ID] = rb
	e.mu.Unlock()

	sourceTags := make(map[string]bool, len(b.SourceTagIDs))
	for _, id := range b.SourceTagIDs {
		sourceTags[id] = true
	}

	go e.run(ctx, rb, ch, sourceTags)
	return nil
}

func errAlreadyRunning(id string) error {
	return &alreadyRunningError{id: id}
}

type alreadyRunningError struct{ id string }

func (a *alreadyRunningError) Error() string { return "bridge " + a.id + " is already running" }

func (e *Engine) run(ctx context.Context, rb *runningBridge, ch <-chan connmgr.Event, sourceTags map[string]bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch {
			case ev.Kind == connmgr.EventData && ev.ConnectionID == rb.bridge.SourceConnectionID:
				for _, dp := range ev.Data {
					if sourceTags[dp.TagID] {
						e.handlePoint(rb, dp)
					}
				}
			case ev.Kind == connmgr.EventStatusChanged && ev.ConnectionID == rb.bridge.TargetConnectionID && ev.Status == model.StatusConnected:
				e.flushQueue(rb)
			case ev.Kind == connmgr.EventTagDeleted || ev.Kind == connmgr.EventConnectionDeleted:
				for _, id := range ev.TagIDs {
					delete(sourceTags, id)
				}
			}
		}
	}
}

func (e *Engine) handlePoint(rb *runningBridge, dp model.DataPoint) {
	rb.mu.Lock()
	paused := rb.status == model.BridgePaused
	includeBad := rb.bridge.Options.IncludeBad
	maxRate := rb.bridge.Options.MaxMessagesPerSec
	rb.mu.Unlock()
	if paused {
		return
	}
	if dp.Quality != model.QualityGood && !includeBad {
		e.drop(rb, "quality", 1)
		return
	}
	if maxRate > 0 {
		rb.mu.Lock()
		lim, ok := rb.limiters[dp.TagID]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(maxRate), 1)
			rb.limiters[dp.TagID] = lim
		}
		rb.mu.Unlock()
		if !lim.Allow() {
			e.drop(rb, "rate_limit", 1)
			return
		}
	}

	tagName := dp.TagID
	if t, ok := e.cm.GetTag(dp.TagID); ok {
		tagName = t.Name
	}
	e.deliver(rb, queuedWrite{
		tagID: dp.TagID, tagName: tagName, connectionID: rb.bridge.SourceConnectionID,
		value: dp.Value, timestamp: dp.Timestamp, quality: dp.Quality,
	})
}

func (e *Engine) deliver(rb *runningBridge, qw queuedWrite) {
	ad, ok := e.cm.Adapter(rb.bridge.TargetConnectionID)
	if !ok || ad.Status() != model.StatusConnected {
		e.enqueue(rb, qw)
		return
	}
	e.write(rb, ad, qw)
}

func (e *Engine) write(rb *runningBridge, ad adapter.Adapter, qw queuedWrite) {
	tag, value := e.renderTarget(rb, qw)
	results := ad.Write(context.Background(), []adapter.WriteRequest{{Tag: tag, Value: value}})

	rb.mu.Lock()
	defer rb.mu.Unlock()
	ok := len(results) > 0 && results[0].Err == nil
	if ok {
		rb.stats.ForwardedCount++
		rb.stats.LastForwardAt = time.Now().UnixMilli()
		if rb.status == model.BridgeError {
			rb.status = model.BridgeActive
		}
		if e.metrics != nil {
			e.metrics.BridgeForwarded(rb.bridge.ID, 1)
		}
		return
	}
	rb.stats.ErrorCount++
	if len(results) > 0 && results[0].Err != nil {
		rb.stats.LastError = results[0].Err.Error()
	}
	rb.status = model.BridgeError
	if e.metrics != nil {
		e.metrics.BridgeError(rb.bridge.ID)
	}
	backoff := rb.bridge.Options.BackoffMs
	if backoff <= 0 {
		backoff = DefaultBackoffMs
	}
	time.AfterFunc(time.Duration(backoff)*time.Millisecond, func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		if rb.status == model.BridgeError {
			rb.status = model.BridgeActive
		}
	})
}

// renderTarget builds the synthetic write Tag/value pair from the
// bridge's target template, per spec §4.6's token set: {{tagName}},
// {{tagId}}, {{value}}, {{timestamp}}, {{quality}}, {{connectionId}}.
func (e *Engine) renderTarget(rb *runningBridge, qw queuedWrite) (model.Tag, interface{}) {
	tokens := map[string]string{
		"tagName":      qw.tagName,
		"tagId":        qw.tagID,
		"value":        toString(qw.value),
		"timestamp":    toString(qw.timestamp),
		"quality":      string(qw.quality),
		"connectionId": qw.connectionID,
	}
	payload := renderTemplate(rb.bridge.TargetConfig.PayloadTemplate, tokens)

	tag := model.Tag{ID: qw.tagID, Name: qw.tagName, DataType: model.DataTypeString, Enabled: true}
	if rb.bridge.TargetConfig.TopicTemplate != "" {
		topic := renderTemplate(rb.bridge.TargetConfig.TopicTemplate, tokens)
		tag.Address = model.Address{Kind: model.ProtocolMQTT, Mqtt: &model.MqttAddress{Topic: topic}}
	} else {
		tag.Address = model.Address{Kind: model.ProtocolOPCUA, OpcUa: &model.OpcUaAddress{NodeID: rb.bridge.TargetConfig.NodeID}}
	}
	return tag, payload
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (e *Engine) enqueue(rb *runningBridge, qw queuedWrite) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	max := rb.bridge.Options.QueueMax
	if max <= 0 {
		max = DefaultQueueMax
	}
	rb.queue = append(rb.queue, qw)
	if len(rb.queue) > max {
		overflow := len(rb.queue) - max
		rb.queue = rb.queue[overflow:]
		rb.stats.DroppedCount += int64(overflow)
		if e.metrics != nil {
			e.metrics.BridgeDropped(rb.bridge.ID, "queue_overflow", overflow)
		}
	}
}

func (e *Engine) flushQueue(rb *runningBridge) {
	rb.mu.Lock()
	pending := rb.queue
	rb.queue = nil
	rb.mu.Unlock()
	ad, ok := e.cm.Adapter(rb.bridge.TargetConnectionID)
	if !ok {
		return
	}
	for _, qw := range pending {
		e.write(rb, ad, qw)
	}
}

func (e *Engine) drop(rb *runningBridge, reason string, n int) {
	rb.mu.Lock()
	rb.stats.DroppedCount += int64(n)
	rb.mu.Unlock()
	if e.metrics != nil {
		e.metrics.BridgeDropped(rb.bridge.ID, reason, n)
	}
}

// Pause suspends forwarding but keeps the source subscription alive.
func (e *Engine) Pause(id string) {
	e.withRunning(id, func(rb *runningBridge) {
		rb.mu.Lock()
		rb.status = model.BridgePaused
		rb.mu.Unlock()
	})
}

// Resume clears the pause flag.
func (e *Engine) Resume(id string) {
	e.withRunning(id, func(rb *runningBridge) {
		rb.mu.Lock()
		rb.status = model.BridgeActive
		rb.mu.Unlock()
	})
}

// Stop cancels id's subscription and forwarding loop.
func (e *Engine) Stop(id string) {
	e.mu.Lock()
	rb, ok := e.running[id]
	if ok {
		delete(e.running, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	rb.cancel()
	rb.unsub()
}

// Status returns id's current BridgeStatus.
func (e *Engine) Status(id string) (model.BridgeStatus, bool) {
	e.mu.Lock()
	rb, ok := e.running[id]
	e.mu.Unlock()
	if !ok {
		return model.BridgeIdle, false
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.status, true
}

// Stats returns id's forwarding statistics.
func (e *Engine) Stats(id string) (Stats, bool) {
	e.mu.Lock()
	rb, ok := e.running[id]
	e.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.stats, true
}

func (e *Engine) withRunning(id string, f func(*runningBridge)) {
	e.mu.Lock()
	rb, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		f(rb)
	}
}

// renderTemplate substitutes {{token}} occurrences in tmpl from tokens; an
// unknown token renders as the empty string, per spec §6. Implemented as a
// single-pass scanner rather than text/template since the token set is
// fixed and small.
func renderTemplate(tmpl string, tokens map[string]string) string {
	var sb strings.Builder
	i := 0
	for i < len(tmpl) {
		if tmpl[i] == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{' {
			if end := strings.Index(tmpl[i+2:], "}}"); end >= 0 {
				name := tmpl[i+2 : i+2+end]
				sb.WriteString(tokens[name]) // zero value "" for unknown tokens
				i += 2 + end + 2
				continue
			}
		}
		sb.WriteByte(tmpl[i])
		i++
	}
	return sb.String()
}
