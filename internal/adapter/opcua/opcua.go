// Package opcua implements the OPC UA protocol adapter of spec §4.1.c,
// built on github.com/gopcua/opcua — the library the absmach/mg-contrib
// and absmach/magistrala example repos use for their own OPC UA adapters
// (cmd/opcua/main.go in both).
package opcua

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/monitor"
	"github.com/gopcua/opcua/ua"

	"github.com/kcchien/iiot-gateway/internal/adapter"
	"github.com/kcchien/iiot-gateway/internal/apperr"
	"github.com/kcchien/iiot-gateway/internal/model"
)

// Config is the persisted OpcUaConfig of spec §6.
type Config struct {
	EndpointURL          string `json:"endpointUrl"`
	SecurityMode         string `json:"securityMode"`
	SecurityPolicy       string `json:"securityPolicy"`
	Username             string `json:"username"`
	Password             string `json:"password"`
	CertificateID        string `json:"certificateId"`
	SessionTimeoutMs     int    `json:"sessionTimeoutMs"`
	PublishingIntervalMs int    `json:"publishingIntervalMs"`
}

// DefaultConfig returns the spec's default OpcUaConfig values.
func DefaultConfig() Config {
	return Config{SessionTimeoutMs: 60000, PublishingIntervalMs: 100}
}

// Adapter is the OPC UA protocol adapter of spec §4.1.c.
type Adapter struct {
	cfg    Config
	client *opcua.Client

	status  *adapter.StatusMachine
	metrics adapter.MetricsTracker
	events  chan adapter.Event

	mu           sync.Mutex
	backoff      adapter.Backoff
	disposed     bool
	nodeMonitor  *monitor.NodeMonitor
	sub          *monitor.Subscription
	subscribed   map[string]string // tagID -> nodeID string, tracked across reconnects
	monitorCh    chan *monitor.DataChangeMessage
	rawSubs      *subscriptionTable
}

// New constructs an unconnected OPC UA adapter.
func New(cfg Config) *Adapter {
	events := make(chan adapter.Event, 64)
	return &Adapter{
		cfg:        cfg,
		status:     adapter.NewStatusMachine(events),
		events:     events,
		subscribed: map[string]string{},
	}
}

func (a *Adapter) Events() <-chan adapter.Event     { return a.events }
func (a *Adapter) Status() model.ConnectionStatus   { return a.status.Get() }
func (a *Adapter) Metrics() model.ConnectionMetrics { return a.metrics.Snapshot() }

// Connect negotiates a session with the configured security mode/policy
// and target timeout, per spec §4.1.c. The session is renewed at 75% of
// the revised timeout by the underlying gopcua client's internal
// keep-alive. The adapter does not reconnect on its own after the session
// is lost; when Connect is called again while tags are still tracked, it
// recreates their monitored items.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.status.Get() == model.StatusConnected {
		return nil
	}
	a.status.Set(model.StatusConnecting, nil)

	opts := []opcua.Option{
		opcua.SecurityModeString(a.cfg.SecurityMode),
		opcua.SecurityPolicy(a.cfg.SecurityPolicy),
		opcua.SessionTimeout(time.Duration(a.cfg.SessionTimeoutMs) * time.Millisecond),
	}
	if a.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(a.cfg.Username, a.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}

	client, err := opcua.NewClient(a.cfg.EndpointURL, opts...)
	if err != nil {
		a.status.Set(model.StatusError, err)
		return apperr.New(apperr.KindConfig, "opcua.Connect", err)
	}
	if err := client.Connect(ctx); err != nil {
		a.status.Set(model.StatusError, err)
		a.metrics.RecordError(shortMsg(err))
		return apperr.New(apperr.KindConnection, "opcua.Connect", err)
	}

	nm, err := monitor.NewNodeMonitor(client)
	if err != nil {
		a.status.Set(model.StatusError, err)
		return apperr.New(apperr.KindConnection, "opcua.Connect", err)
	}

	a.mu.Lock()
	wasReconnect := len(a.subscribed) > 0
	a.client = client
	a.nodeMonitor = nm
	a.backoff.Reset()
	a.mu.Unlock()

	a.status.Set(model.StatusConnected, nil)
	a.metrics.RecordConnect()

	if wasReconnect {
		a.verifySubscriptions(ctx)
	}
	return nil
}

// verifySubscriptions recreates monitored items for every previously
// tracked tag, satisfying invariant 5 of spec §8 for OPC UA: the protocol
// transfers subscriptions across a brief reconnect, but this adapter
// conservatively recreates them all to cover the case where the server
// dropped them.
func (a *Adapter) verifySubscriptions(ctx context.Context) {
	a.mu.Lock()
	nodeIDs := make([]string, 0, len(a.subscribed))
	for _, nid := range a.subscribed {
		nodeIDs = append(nodeIDs, nid)
	}
	a.mu.Unlock()
	if len(nodeIDs) == 0 {
		return
	}
	_ = a.startMonitoring(ctx, nodeIDs)
}

func (a *Adapter) startMonitoring(ctx context.Context, nodeIDs []string) error {
	a.mu.Lock()
	nm := a.nodeMonitor
	a.mu.Unlock()
	if nm == nil {
		return fmt.Errorf("opcua: not connected")
	}
	interval := time.Duration(a.cfg.PublishingIntervalMs) * time.Millisecond
	ch := make(chan *monitor.DataChangeMessage, 256)
	sub, err := nm.ChanSubscribe(ctx, &opcua.SubscriptionParameters{Interval: interval}, ch, nodeIDs...)
	if err != nil {
		return apperr.New(apperr.KindProtocol, "opcua.Subscribe", err)
	}
	a.mu.Lock()
	if a.sub != nil {
		_ = a.sub.Unsubscribe(ctx)
	}
	a.sub = sub
	a.monitorCh = ch
	a.mu.Unlock()
	go a.pumpMonitored(ch)
	return nil
}

func (a *Adapter) pumpMonitored(ch chan *monitor.DataChangeMessage) {
	for msg := range ch {
		if msg.Error != nil {
			continue
		}
		tagID := a.nodeIDToTag(msg.NodeID.String())
		if tagID == "" {
			continue
		}
		q := model.QualityGood
		if msg.Status != ua.StatusOK {
			q = model.QualityBad
		}
		pt := model.DataPoint{
			TagID:     tagID,
			Timestamp: msg.SourceTimestamp.UnixMilli(),
			Value:     decodeVariant(msg.Value),
			Quality:   q,
		}
		select {
		case a.events <- adapter.Event{Kind: adapter.EventDataReceived, Data: []model.DataPoint{pt}}:
		default:
		}
	}
}

func (a *Adapter) nodeIDToTag(nodeID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	for tagID, nid := range a.subscribed {
		if nid == nodeID {
			return tagID
		}
	}
	return ""
}

// Subscribe tracks tags for push delivery via an OPC UA monitored item
// subscription, per spec §4.1.c.
func (a *Adapter) Subscribe(ctx context.Context, tags []model.Tag) error {
	var nodeIDs []string
	a.mu.Lock()
	for _, t := range tags {
		if t.Address.Kind != model.ProtocolOPCUA || t.Address.OpcUa == nil {
			continue
		}
		a.subscribed[t.ID] = t.Address.OpcUa.NodeID
		nodeIDs = append(nodeIDs, t.Address.OpcUa.NodeID)
	}
	a.mu.Unlock()
	if len(nodeIDs) == 0 {
		return nil
	}
	return a.startMonitoring(ctx, nodeIDs)
}

// Unsubscribe stops tracking the given tag ids.
func (a *Adapter) Unsubscribe(ctx context.Context, tagIDs []string) error {
	a.mu.Lock()
	for _, id := range tagIDs {
		delete(a.subscribed, id)
	}
	a.mu.Unlock()
	return nil
}

// Disconnect closes the session and moves to disconnected.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	sub := a.sub
	a.client = nil
	a.sub = nil
	a.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe(ctx)
	}
	if client != nil {
		_ = client.Close(ctx)
	}
	a.status.Set(model.StatusDisconnected, nil)
	return nil
}

// Dispose is terminal.
func (a *Adapter) Dispose() {
	_ = a.Disconnect(context.Background())
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return
	}
	a.disposed = true
	a.status.Set(model.StatusDisposed, nil)
	close(a.events)
}

// ReadTags issues an OPC UA Read for the Value attribute (or the
// configured AttributeID) of every enabled OPC UA tag.
func (a *Adapter) ReadTags(ctx context.Context, tags []model.Tag) []adapter.ReadResult {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	out := make([]adapter.ReadResult, 0, len(tags))
	if client == nil {
		for _, t := range tags {
			if t.Enabled && t.Address.Kind == model.ProtocolOPCUA {
				out = append(out, adapter.ReadResult{TagID: t.ID, Quality: model.QualityBad})
			}
		}
		return out
	}

	var readValueIDs []*ua.ReadValueID
	var order []model.Tag
	for _, t := range tags {
		if !t.Enabled || t.Address.Kind != model.ProtocolOPCUA || t.Address.OpcUa == nil {
			continue
		}
		nid, err := ua.ParseNodeID(t.Address.OpcUa.NodeID)
		if err != nil {
			out = append(out, adapter.ReadResult{TagID: t.ID, Quality: model.QualityBad, Err: err})
			continue
		}
		attr := t.Address.OpcUa.AttributeID
		if attr == 0 {
			attr = model.DefaultOpcUaAttributeID
		}
		readValueIDs = append(readValueIDs, &ua.ReadValueID{NodeID: nid, AttributeID: ua.AttributeID(attr)})
		order = append(order, t)
	}
	if len(readValueIDs) == 0 {
		return out
	}

	start := time.Now()
	resp, err := client.Read(ctx, &ua.ReadRequest{NodesToRead: readValueIDs, TimestampsToReturn: ua.TimestampsToReturnBoth})
	if err != nil {
		a.metrics.RecordError(shortMsg(err))
		a.status.Set(model.StatusError, err)
		for _, t := range order {
			out = append(out, adapter.ReadResult{TagID: t.ID, Quality: model.QualityBad, Err: err})
		}
		return out
	}
	a.metrics.RecordSuccess(time.Since(start))
	for i, t := range order {
		if i >= len(resp.Results) {
			out = append(out, adapter.ReadResult{TagID: t.ID, Quality: model.QualityBad})
			continue
		}
		dv := resp.Results[i]
		if dv.Status != ua.StatusOK {
			out = append(out, adapter.ReadResult{TagID: t.ID, Quality: model.QualityBad})
			continue
		}
		out = append(out, adapter.ReadResult{
			TagID:     t.ID,
			Value:     decodeVariant(dv.Value),
			Quality:   model.QualityGood,
			Timestamp: dv.SourceTimestamp.UnixMilli(),
		})
	}
	return out
}

// Write validates write access and issues an OPC UA Write for each
// request, per spec §4.1.c.
func (a *Adapter) Write(ctx context.Context, writes []adapter.WriteRequest) []adapter.WriteResult {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	out := make([]adapter.WriteResult, 0, len(writes))
	if client == nil {
		for _, w := range writes {
			out = append(out, adapter.WriteResult{TagID: w.Tag.ID, Status: model.QualityBad, Err: fmt.Errorf("opcua: not connected")})
		}
		return out
	}
	for _, w := range writes {
		out = append(out, a.writeOne(ctx, client, w))
	}
	return out
}

func (a *Adapter) writeOne(ctx context.Context, client *opcua.Client, w adapter.WriteRequest) adapter.WriteResult {
	if w.Tag.Address.OpcUa == nil {
		return adapter.WriteResult{TagID: w.Tag.ID, Status: model.QualityBad, Err: fmt.Errorf("opcua: tag %s has no node id", w.Tag.ID)}
	}
	nid, err := ua.ParseNodeID(w.Tag.Address.OpcUa.NodeID)
	if err != nil {
		return adapter.WriteResult{TagID: w.Tag.ID, Status: model.QualityBad, Err: err}
	}
	variant, err := ua.NewVariant(w.Value)
	if err != nil {
		return adapter.WriteResult{TagID: w.Tag.ID, Status: model.QualityBad, Err: err}
	}
	req := &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      nid,
			AttributeID: ua.AttributeIDValue,
			Value:       &ua.DataValue{EncodingMask: ua.DataValueValue, Value: variant},
		}},
	}
	resp, err := client.Write(ctx, req)
	if err != nil {
		a.metrics.RecordError(shortMsg(err))
		return adapter.WriteResult{TagID: w.Tag.ID, Status: model.QualityBad, Err: apperr.New(apperr.KindWrite, "opcua.Write", err)}
	}
	if len(resp.Results) == 0 || resp.Results[0] != ua.StatusOK {
		return adapter.WriteResult{TagID: w.Tag.ID, Status: model.QualityBad, Err: fmt.Errorf("opcua: write rejected")}
	}
	return adapter.WriteResult{TagID: w.Tag.ID, Status: model.QualityGood}
}

// decodeVariant normalizes an OPC UA variant per spec §4.1.c: built-in
// scalars pass through, DateTime becomes an ISO 8601 string, ByteString
// becomes hex, LocalizedText/QualifiedName unwrap to their text/name.
func decodeVariant(v *ua.Variant) interface{} {
	if v == nil {
		return nil
	}
	switch val := v.Value().(type) {
	case time.Time:
		return val.Format(time.RFC3339)
	case []byte:
		return fmt.Sprintf("%x", val)
	case *ua.LocalizedText:
		return val.Text
	case *ua.QualifiedName:
		return val.Name
	default:
		return val
	}
}

func shortMsg(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
