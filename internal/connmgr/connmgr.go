// Package connmgr implements the Connection Manager (CM) of spec §4.5: the
// façade the rest of the gateway talks to. It owns the
// connectionId → (Connection, Tags, Adapter) mapping, the protocol →
// factory registry, variable substitution of connection configs, credential
// resolution when a connection's adapter is built (a credential stored
// afterwards is not seen by that adapter), and the bounded event fan-out
// described in spec §5. Structural mutations (create/delete) take a write
// lease on the map; reads (polling, status/metrics queries) take a read
// lease only while looking up a connection's entry, and the adapter call
// itself runs outside the lock, so a structural mutation does not wait for
// an in-flight read — generalizing the teacher's sync.RWMutex-guarded
// USRGateway.connected flag from one connection to N.
package connmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kcchien/iiot-gateway/internal/adapter"
	"github.com/kcchien/iiot-gateway/internal/apperr"
	"github.com/kcchien/iiot-gateway/internal/logging"
	"github.com/kcchien/iiot-gateway/internal/metrics"
	"github.com/kcchien/iiot-gateway/internal/model"
	"github.com/kcchien/iiot-gateway/internal/subst"
	"github.com/kcchien/iiot-gateway/internal/vault"
)

// EventKind discriminates the Event union CM fans out to subscribers, per
// spec §4.5.
type EventKind string

const (
	EventStatusChanged     EventKind = "status-changed"
	EventData              EventKind = "data"
	EventMetrics           EventKind = "metrics"
	EventTagAdded          EventKind = "tag-added"
	EventTagUpdated        EventKind = "tag-updated"
	EventTagDeleted        EventKind = "tag-deleted"
	EventConnectionDeleted EventKind = "connection-deleted"
)

// Event is the payload delivered to every CM subscriber (AE, BE, RBS
// wiring, and — out of scope here — the UI).
type Event struct {
	Kind         EventKind
	ConnectionID string
	Status       model.ConnectionStatus
	Data         []model.DataPoint
	Metrics      model.ConnectionMetrics
	Tag          model.Tag
	TagIDs       []string // populated on EventConnectionDeleted and EventTagDeleted
}

// DefaultSubscriberBuffer is the bounded channel size spec §5 specifies
// for CM's per-subscriber fan-out (drop-newest-on-slow-consumer).
const DefaultSubscriberBuffer = 1024

// Store is the subset of the Ring-Buffer Store CM needs to persist every
// DataPoint it observes, whether from a polled read or a pushed
// subscription callback.
type Store interface {
	InsertBatch(dps []model.DataPoint) error
}

type entry struct {
	conn    model.Connection
	tags    map[string]model.Tag // tagID -> Tag
	adapter adapter.Adapter
	cancel  context.CancelFunc // stops the adapter's event-pump goroutine
}

// Manager is the Connection Manager.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*entry
	tagIndex    map[string]string // tagID -> connectionID, for O(1) lookups

	registry *adapter.Registry
	vault    vault.Store
	env      model.Environment
	store    Store
	log      *logging.Logger
	metrics  *metrics.Registry

	subMu       sync.Mutex
	subscribers map[int]*subscriber
	nextSubID   int
}

type subscriber struct {
	ch      chan Event
	dropped int64
}

// New constructs a Manager with the three built-in protocol factories
// (Modbus TCP, MQTT, OPC UA) registered. env supplies the default
// Environment's variables for config substitution (spec §4.8); store
// receives every observed DataPoint; vaultStore resolves credentials when
// a connection's adapter is built.
func New(env model.Environment, store Store, vaultStore vault.Store, log *logging.Logger, metricsReg *metrics.Registry) *Manager {
	m := &Manager{
		connections: map[string]*entry{},
		tagIndex:    map[string]string{},
		registry:    adapter.NewRegistry(),
		vault:       vaultStore,
		env:         env,
		store:       store,
		log:         log,
		metrics:     metricsReg,
		subscribers: map[int]*subscriber{},
	}
	registerBuiltinFactories(m.registry)
	return m
}

// RegisterFactory installs (or overrides) the adapter factory for a
// protocol, e.g. for tests that substitute a fake adapter.
func (m *Manager) RegisterFactory(protocol model.Protocol, f adapter.Factory) {
	m.registry.Register(protocol, f)
}

// Subscribe registers a new listener and returns its event channel plus an
// unsubscribe function. The channel is bounded per DefaultSubscriberBuffer
// (drop-newest-on-slow-consumer): when it is full, a new event is dropped
// and events already queued are kept.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	sub := &subscriber{ch: make(chan Event, DefaultSubscriberBuffer)}
	m.subscribers[id] = sub
	unsub := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if s, ok := m.subscribers[id]; ok {
			close(s.ch)
			delete(m.subscribers, id)
		}
	}
	return sub.ch, unsub
}

func (m *Manager) publish(e Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, s := range m.subscribers {
		select {
		case s.ch <- e:
		default:
			s.dropped++
			m.log.Get(logging.CompConn).Warn().
				Str("connectionId", e.ConnectionID).
				Str("kind", string(e.Kind)).
				Msg("subscriber channel full, dropping event")
		}
	}
}

// Create registers a new Connection, resolves its config through variable
// substitution, and builds (but does not connect) its adapter. Spec §4.5:
// "before an adapter is created, every string field in conn.config is
// passed through the Variable Substitution engine."
func (m *Manager) Create(conn model.Connection) (model.Connection, error) {
	if conn.ID == "" {
		conn.ID = model.NewID()
	}
	if conn.Name == "" {
		return model.Connection{}, apperr.New(apperr.KindValidation, "connmgr.Create", fmt.Errorf("connection name is required"))
	}
	conn.CreatedAt = time.Now()
	conn.UpdatedAt = conn.CreatedAt

	ad, err := m.buildAdapter(conn)
	if err != nil {
		return model.Connection{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.connections[conn.ID]; exists {
		return model.Connection{}, apperr.New(apperr.KindValidation, "connmgr.Create", fmt.Errorf("connection %s already exists", conn.ID))
	}
	e := &entry{conn: conn, tags: map[string]model.Tag{}, adapter: ad}
	m.connections[conn.ID] = e
	m.pumpEvents(conn.ID, e)
	return conn, nil
}

// buildAdapter resolves conn.Config's ${VAR} references against the
// default Environment, merges in any vault credential, and constructs the
// adapter via the protocol registry.
func (m *Manager) buildAdapter(conn model.Connection) (adapter.Adapter, error) {
	resolved := subst.ResolveObject(conn.Config, m.env.Variables)
	if m.vault != nil {
		cred, ok, err := m.vault.Get(conn.ID)
		if err != nil {
			return nil, apperr.New(apperr.KindInternal, "connmgr.buildAdapter", err)
		}
		if ok {
			for k, v := range cred {
				resolved[k] = v
			}
		}
	}
	forFactory := conn
	forFactory.Config = resolved
	ad, err := m.registry.New(forFactory)
	if err != nil {
		return nil, apperr.New(apperr.KindConfig, "connmgr.buildAdapter", err)
	}
	return ad, nil
}

// pumpEvents starts the goroutine that drains an adapter's event channel
// for its lifetime, persisting and fanning out every EventDataReceived
// (this is the "PA callback -> CM.emit(data) -> fan-out" path spec §2's
// flow diagram describes for subscription-based protocols) and relaying
// status/metrics transitions.
func (m *Manager) pumpEvents(connectionID string, e *entry) {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-e.adapter.Events():
				if !ok {
					return
				}
				m.handleAdapterEvent(connectionID, ev)
			}
		}
	}()
}

func (m *Manager) handleAdapterEvent(connectionID string, ev adapter.Event) {
	switch ev.Kind {
	case adapter.EventStatusChanged:
		m.publish(Event{Kind: EventStatusChanged, ConnectionID: connectionID, Status: ev.Status})
		if m.metrics != nil {
			m.mu.RLock()
			e, ok := m.connections[connectionID]
			m.mu.RUnlock()
			if ok {
				m.metrics.ObserveConnection(connectionID, e.conn.Protocol, ev.Status, e.adapter.Metrics())
			}
		}
	case adapter.EventDataReceived:
		m.persistAndEmit(connectionID, ev.Data)
	case adapter.EventMetricsUpdated:
		m.publish(Event{Kind: EventMetrics, ConnectionID: connectionID, Metrics: ev.Metrics})
	case adapter.EventError:
		m.log.Get(logging.CompConn).Warn().Str("connectionId", connectionID).Err(ev.Err).Msg("adapter error event")
	}
}

func (m *Manager) persistAndEmit(connectionID string, points []model.DataPoint) {
	if len(points) == 0 {
		return
	}
	if m.store != nil {
		if err := m.store.InsertBatch(points); err != nil {
			m.log.Get(logging.CompConn).Error().Err(err).Str("connectionId", connectionID).Msg("store insert failed")
		}
	}
	m.publish(Event{Kind: EventData, ConnectionID: connectionID, Data: points})
}

// Update replaces a Connection's name/config, rebuilding its adapter when
// the config changes. The existing adapter is disposed first.
func (m *Manager) Update(conn model.Connection) (model.Connection, error) {
	m.mu.Lock()
	e, ok := m.connections[conn.ID]
	if !ok {
		m.mu.Unlock()
		return model.Connection{}, apperr.New(apperr.KindValidation, "connmgr.Update", fmt.Errorf("connection %s not found", conn.ID))
	}
	conn.CreatedAt = e.conn.CreatedAt
	conn.UpdatedAt = time.Now()
	m.mu.Unlock()

	ad, err := m.buildAdapter(conn)
	if err != nil {
		return model.Connection{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok = m.connections[conn.ID]
	if !ok {
		return model.Connection{}, apperr.New(apperr.KindValidation, "connmgr.Update", fmt.Errorf("connection %s not found", conn.ID))
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.adapter.Dispose()
	e.conn = conn
	e.adapter = ad
	m.pumpEvents(conn.ID, e)
	return conn, nil
}

// Delete disposes the connection's adapter, deletes its tags, and emits a
// connection-deleted notice carrying the deleted tag ids so Bridges,
// AlertRules and widgets can compact their own cross-references, per
// spec §3's ownership model and §4.5.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	e, ok := m.connections[id]
	if !ok {
		m.mu.Unlock()
		return apperr.New(apperr.KindValidation, "connmgr.Delete", fmt.Errorf("connection %s not found", id))
	}
	tagIDs := make([]string, 0, len(e.tags))
	for tid := range e.tags {
		tagIDs = append(tagIDs, tid)
		delete(m.tagIndex, tid)
	}
	delete(m.connections, id)
	m.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.adapter.Dispose()
	m.publish(Event{Kind: EventConnectionDeleted, ConnectionID: id, TagIDs: tagIDs})
	return nil
}

// AddTag validates and registers a Tag under its owning connection, per
// spec §3's invariants: address.Kind must match connection.Protocol, and
// register-typed addresses get a default Length filled from the data
// type's register count when the caller left it unset.
func (m *Manager) AddTag(tag model.Tag) (model.Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.connections[tag.ConnectionID]
	if !ok {
		return model.Tag{}, apperr.New(apperr.KindValidation, "connmgr.AddTag", fmt.Errorf("connection %s not found", tag.ConnectionID))
	}
	if tag.ID == "" {
		tag.ID = model.NewID()
	}
	if err := validateTag(e.conn, &tag); err != nil {
		return model.Tag{}, err
	}
	for _, existing := range e.tags {
		if existing.Name == tag.Name && existing.ID != tag.ID {
			return model.Tag{}, apperr.New(apperr.KindValidation, "connmgr.AddTag", fmt.Errorf("tag name %q already used on connection %s", tag.Name, tag.ConnectionID))
		}
	}
	tag.CreatedAt = time.Now()
	e.tags[tag.ID] = tag
	m.tagIndex[tag.ID] = tag.ConnectionID
	if sub, ok := e.adapter.(adapter.Subscriber); ok && tag.Enabled {
		_ = sub.Subscribe(context.Background(), []model.Tag{tag})
	}
	m.publish(Event{Kind: EventTagAdded, ConnectionID: tag.ConnectionID, Tag: tag})
	return tag, nil
}

// UpdateTag replaces an existing tag's fields in place.
func (m *Manager) UpdateTag(tag model.Tag) (model.Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.connections[tag.ConnectionID]
	if !ok {
		return model.Tag{}, apperr.New(apperr.KindValidation, "connmgr.UpdateTag", fmt.Errorf("connection %s not found", tag.ConnectionID))
	}
	existing, ok := e.tags[tag.ID]
	if !ok {
		return model.Tag{}, apperr.New(apperr.KindValidation, "connmgr.UpdateTag", fmt.Errorf("tag %s not found", tag.ID))
	}
	if err := validateTag(e.conn, &tag); err != nil {
		return model.Tag{}, err
	}
	tag.CreatedAt = existing.CreatedAt
	e.tags[tag.ID] = tag
	if sub, ok := e.adapter.(adapter.Subscriber); ok {
		_ = sub.Unsubscribe(context.Background(), []string{tag.ID})
		if tag.Enabled {
			_ = sub.Subscribe(context.Background(), []model.Tag{tag})
		}
	}
	m.publish(Event{Kind: EventTagUpdated, ConnectionID: tag.ConnectionID, Tag: tag})
	return tag, nil
}

// DeleteTag removes a tag, propagating a deletion notice downstream per
// spec §3: "Bridges drop that tag from their source set, AlertRules
// referencing it are disabled, widgets are rewritten or removed."
func (m *Manager) DeleteTag(tagID string) error {
	m.mu.Lock()
	connID, ok := m.tagIndex[tagID]
	if !ok {
		m.mu.Unlock()
		return apperr.New(apperr.KindValidation, "connmgr.DeleteTag", fmt.Errorf("tag %s not found", tagID))
	}
	e := m.connections[connID]
	delete(e.tags, tagID)
	delete(m.tagIndex, tagID)
	m.mu.Unlock()

	if sub, ok := e.adapter.(adapter.Subscriber); ok {
		_ = sub.Unsubscribe(context.Background(), []string{tagID})
	}
	m.publish(Event{Kind: EventTagDeleted, ConnectionID: connID, TagIDs: []string{tagID}})
	return nil
}

// GetTag returns the authoritative Tag for tagID, resolving through CM
// rather than any adapter-local cache — Open Question (a) of spec §9.
func (m *Manager) GetTag(tagID string) (model.Tag, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	connID, ok := m.tagIndex[tagID]
	if !ok {
		return model.Tag{}, false
	}
	t, ok := m.connections[connID].tags[tagID]
	return t, ok
}

// GetTags returns every tag owned by connectionID.
func (m *Manager) GetTags(connectionID string) ([]model.Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.connections[connectionID]
	if !ok {
		return nil, apperr.New(apperr.KindValidation, "connmgr.GetTags", fmt.Errorf("connection %s not found", connectionID))
	}
	out := make([]model.Tag, 0, len(e.tags))
	for _, t := range e.tags {
		out = append(out, t)
	}
	return out, nil
}

// List returns every registered Connection.
func (m *Manager) List() []model.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Connection, 0, len(m.connections))
	for _, e := range m.connections {
		out = append(out, e.conn)
	}
	return out
}

// Get returns one Connection by id.
func (m *Manager) Get(id string) (model.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.connections[id]
	if !ok {
		return model.Connection{}, false
	}
	return e.conn, true
}

// Connect drives connectionID's adapter through Connect(), per spec §4.1.
func (m *Manager) Connect(ctx context.Context, id string) error {
	e, err := m.entryFor(id, "connmgr.Connect")
	if err != nil {
		return err
	}
	return e.adapter.Connect(ctx)
}

// Disconnect drives connectionID's adapter through Disconnect().
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	e, err := m.entryFor(id, "connmgr.Disconnect")
	if err != nil {
		return err
	}
	return e.adapter.Disconnect(ctx)
}

// IsConnected reports whether connectionID's adapter is currently
// connected. Satisfies poll.Reader.
func (m *Manager) IsConnected(connectionID string) bool {
	m.mu.RLock()
	e, ok := m.connections[connectionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return e.adapter.Status() == model.StatusConnected
}

// ReadTags issues a pure read (no persistence, no fan-out) of
// connectionID's enabled tags through its adapter. Satisfies poll.Reader;
// the side-effecting half of the flow (store insert + subscriber
// fan-out) lives in PublishTick, matching spec §2's flow diagram where
// "CM.readTags(conn) -> PA.readTags -> DataPoints" is a separate step from
// "RBS.insertBatch ∥ CM.emit(data)".
func (m *Manager) ReadTags(ctx context.Context, connectionID string) ([]model.DataPoint, error) {
	e, err := m.entryFor(connectionID, "connmgr.ReadTags")
	if err != nil {
		return nil, err
	}
	tags, _ := m.GetTags(connectionID)
	enabled := make([]model.Tag, 0, len(tags))
	for _, t := range tags {
		if t.Enabled {
			enabled = append(enabled, t)
		}
	}
	results := e.adapter.ReadTags(ctx, enabled)
	out := make([]model.DataPoint, 0, len(results))
	for _, r := range results {
		ts := r.Timestamp
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		out = append(out, model.DataPoint{TagID: r.TagID, Timestamp: ts, Value: r.Value, Quality: r.Quality})
	}
	return out, nil
}

// PublishTick persists points to the Store and fans them out to
// subscribers. Satisfies poll.Publisher.
func (m *Manager) PublishTick(connectionID string, points []model.DataPoint) {
	m.persistAndEmit(connectionID, points)
}

// Write issues writes against connectionID's adapter, resolving each
// WriteRequest's Tag by id through CM's authoritative tag map.
func (m *Manager) Write(ctx context.Context, connectionID string, writes []Write) ([]adapter.WriteResult, error) {
	e, err := m.entryFor(connectionID, "connmgr.Write")
	if err != nil {
		return nil, err
	}
	reqs := make([]adapter.WriteRequest, 0, len(writes))
	for _, w := range writes {
		tag, ok := m.GetTag(w.TagID)
		if !ok {
			return nil, apperr.New(apperr.KindValidation, "connmgr.Write", fmt.Errorf("tag %s not found", w.TagID))
		}
		reqs = append(reqs, adapter.WriteRequest{Tag: tag, Value: w.Value})
	}
	return e.adapter.Write(ctx, reqs), nil
}

// Write is one value to write, addressed by tag id.
type Write struct {
	TagID string
	Value interface{}
}

// GetStatus returns connectionID's adapter status.
func (m *Manager) GetStatus(id string) (model.ConnectionStatus, error) {
	e, err := m.entryFor(id, "connmgr.GetStatus")
	if err != nil {
		return "", err
	}
	return e.adapter.Status(), nil
}

// GetMetrics returns a read-only snapshot of connectionID's adapter
// metrics.
func (m *Manager) GetMetrics(id string) (model.ConnectionMetrics, error) {
	e, err := m.entryFor(id, "connmgr.GetMetrics")
	if err != nil {
		return model.ConnectionMetrics{}, err
	}
	return e.adapter.Metrics(), nil
}

// ConnectionHealth is CM's aggregated status summary, used by the metrics
// exporter and (eventually) a UI status bar — named at its interface only
// per the supplemented-features note in SPEC_FULL.md §10.
type ConnectionHealth struct {
	ConnectionID string
	Protocol     model.Protocol
	Status       model.ConnectionStatus
	ErrorRate    float64
	LastError    string
}

// Summary returns an aggregated health snapshot for every connection.
func (m *Manager) Summary() []ConnectionHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConnectionHealth, 0, len(m.connections))
	for id, e := range m.connections {
		met := e.adapter.Metrics()
		out = append(out, ConnectionHealth{
			ConnectionID: id,
			Protocol:     e.conn.Protocol,
			Status:       e.adapter.Status(),
			ErrorRate:    met.ErrorRate(),
			LastError:    met.LastErrorMessage,
		})
	}
	return out
}

// Adapter exposes connectionID's underlying adapter directly, for
// components that need to write through it without an existing Tag (the
// Bridge Engine's target side, spec §4.6).
func (m *Manager) Adapter(connectionID string) (adapter.Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.connections[connectionID]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

func (m *Manager) entryFor(id, op string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.connections[id]
	if !ok {
		return nil, apperr.New(apperr.KindValidation, op, fmt.Errorf("connection %s not found", id))
	}
	return e, nil
}
