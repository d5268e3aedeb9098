// Package poll implements the Polling Engine (PE) of spec §4.4: one
// logical timer per connection that reads enabled tags on each tick and
// publishes the resulting batch, generalizing the teacher's per-concern
// ticker goroutines (`offerTicker`/`rideTicker` in main.go) to N
// connections instead of two fixed topics.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/kcchien/iiot-gateway/internal/logging"
	"github.com/kcchien/iiot-gateway/internal/model"
)

const (
	// DefaultIntervalMs is the poll interval used when a connection's
	// config does not specify one.
	DefaultIntervalMs = 1000
	// MinIntervalMs is the floor spec §4.4 enforces on set_interval.
	MinIntervalMs = 100
)

// Reader is the subset of the Connection Manager's capability PE needs:
// read the enabled tags of a connection and report whether its adapter is
// currently connected.
type Reader interface {
	IsConnected(connectionID string) bool
	ReadTags(ctx context.Context, connectionID string) ([]model.DataPoint, error)
}

// Publisher receives each tick's resulting batch.
type Publisher interface {
	PublishTick(connectionID string, points []model.DataPoint)
}

type connectionPoller struct {
	connectionID string
	intervalMs   int64
	ticker       *time.Ticker
	cancel       context.CancelFunc
	done         chan struct{}
}

// Engine runs one ticker per started connection.
type Engine struct {
	mu      sync.Mutex
	reader  Reader
	pub     Publisher
	log     *logging.Logger
	pollers map[string]*connectionPoller
}

// New constructs a Polling Engine driven by reader and delivering ticks to
// pub.
func New(reader Reader, pub Publisher, log *logging.Logger) *Engine {
	return &Engine{reader: reader, pub: pub, log: log, pollers: map[string]*connectionPoller{}}
}

// Start begins polling connectionID at intervalMs (clamped to the 100ms
// floor). Restarts the ticker if the connection is already polling.
func (e *Engine) Start(connectionID string, intervalMs int) {
	if intervalMs < MinIntervalMs {
		intervalMs = MinIntervalMs
	}
	e.mu.Lock()
	if existing, ok := e.pollers[connectionID]; ok {
		e.mu.Unlock()
		e.stopPoller(existing)
		e.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cp := &connectionPoller{
		connectionID: connectionID,
		intervalMs:   int64(intervalMs),
		ticker:       time.NewTicker(time.Duration(intervalMs) * time.Millisecond),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	e.pollers[connectionID] = cp
	e.mu.Unlock()

	go e.run(ctx, cp)
}

// run is the per-connection tick loop. Ticks are serialized: a tick that
// outlasts its interval simply delays the next tick, matching spec §4.4's
// no-pile-up rule (there is no queue, just a single in-flight call).
func (e *Engine) run(ctx context.Context, cp *connectionPoller) {
	defer close(cp.done)
	defer cp.ticker.Stop()
	for {
		select {
		case <-cp.ticker.C:
			e.tick(ctx, cp)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) tick(ctx context.Context, cp *connectionPoller) {
	if !e.reader.IsConnected(cp.connectionID) {
		return // no-op per spec §4.4: no request issued, no metric update
	}
	points, err := e.reader.ReadTags(ctx, cp.connectionID)
	select {
	case <-ctx.Done():
		return // stop() cancelled while the read was in flight: discard the result
	default:
	}
	if err != nil {
		e.log.Get(logging.CompPoll).Warn().Err(err).Str("connectionId", cp.connectionID).Msg("poll tick failed")
		return
	}
	e.pub.PublishTick(cp.connectionID, points)
}

// SetInterval changes connectionID's tick period without losing its
// running state; equivalent to Stop+Start at the new interval.
func (e *Engine) SetInterval(connectionID string, intervalMs int) {
	e.mu.Lock()
	_, running := e.pollers[connectionID]
	e.mu.Unlock()
	if !running {
		return
	}
	e.Start(connectionID, intervalMs)
}

// Stop cancels connectionID's ticker. Any tick already in flight is
// cooperatively cancelled: its result, if it arrives, is discarded.
func (e *Engine) Stop(connectionID string) {
	e.mu.Lock()
	cp, ok := e.pollers[connectionID]
	if ok {
		delete(e.pollers, connectionID)
	}
	e.mu.Unlock()
	if ok {
		e.stopPoller(cp)
	}
}

func (e *Engine) stopPoller(cp *connectionPoller) {
	cp.cancel()
	<-cp.done
}

// StopAll cancels every running poller, used on shutdown.
func (e *Engine) StopAll() {
	e.mu.Lock()
	all := make([]*connectionPoller, 0, len(e.pollers))
	for _, cp := range e.pollers {
		all = append(all, cp)
	}
	e.pollers = map[string]*connectionPoller{}
	e.mu.Unlock()
	for _, cp := range all {
		e.stopPoller(cp)
	}
}
