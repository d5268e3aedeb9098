package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kcchien/iiot-gateway/internal/adapter"
	"github.com/kcchien/iiot-gateway/internal/apperr"
	"github.com/kcchien/iiot-gateway/internal/model"
)

// Config is the persisted MqttConfig of spec §6, generalized from the
// teacher's hard-coded single-broker main.go options.
type Config struct {
	BrokerURL string `json:"brokerUrl"`
	ClientID  string `json:"clientId"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	UseTLS    bool   `json:"useTls"`
	CACert    string `json:"caCert"`
}

// Adapter is the MQTT protocol adapter of spec §4.1.b.
type Adapter struct {
	cfg    Config
	client paho.Client

	status  *adapter.StatusMachine
	metrics adapter.MetricsTracker
	events  chan adapter.Event
	cache   *topicCache

	mu       sync.Mutex
	backoff  adapter.Backoff
	disposed bool
}

// New constructs an unconnected MQTT adapter.
func New(cfg Config) *Adapter {
	events := make(chan adapter.Event, 64)
	return &Adapter{
		cfg:    cfg,
		status: adapter.NewStatusMachine(events),
		events: events,
		cache:  newTopicCache(),
	}
}

func (a *Adapter) Events() <-chan adapter.Event     { return a.events }
func (a *Adapter) Status() model.ConnectionStatus   { return a.status.Get() }
func (a *Adapter) Metrics() model.ConnectionMetrics { return a.metrics.Snapshot() }

// Connect dials the broker with the options of spec §4.1.b, generalizing
// the teacher's opts.SetCustomOpenConnectionFn / SetOnConnectHandler /
// SetConnectionLostHandler / SetReconnectingHandler wiring.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.status.Get() == model.StatusConnected {
		return nil
	}
	a.status.Set(model.StatusConnecting, nil)

	opts := paho.NewClientOptions().AddBroker(a.cfg.BrokerURL)
	if a.cfg.ClientID != "" {
		opts.SetClientID(a.cfg.ClientID)
	}
	if a.cfg.Username != "" {
		opts.SetUsername(a.cfg.Username)
	}
	if a.cfg.Password != "" {
		opts.SetPassword(a.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetMaxReconnectInterval(5 * time.Second)
	opts.SetResumeSubs(true)
	opts.SetOrderMatters(false)

	if a.cfg.UseTLS {
		tlsCfg := &tls.Config{InsecureSkipVerify: false}
		if a.cfg.CACert != "" {
			pool := x509.NewCertPool()
			if pem, err := os.ReadFile(a.cfg.CACert); err == nil {
				pool.AppendCertsFromPEM(pem)
				tlsCfg.RootCAs = pool
			}
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.SetOnConnectHandler(func(c paho.Client) {
		a.status.Set(model.StatusConnected, nil)
		a.metrics.RecordConnect()
		a.resubscribeAll(c)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		a.status.Set(model.StatusError, err)
		a.metrics.RecordError(shortMsg(err))
	})
	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		a.status.Set(model.StatusConnecting, nil)
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		err := token.Error()
		if err == nil {
			err = fmt.Errorf("mqtt: connect timed out")
		}
		a.status.Set(model.StatusError, err)
		a.metrics.RecordError(shortMsg(err))
		return apperr.New(apperr.KindConnection, "mqtt.Connect", err)
	}

	a.mu.Lock()
	a.client = client
	a.backoff.Reset()
	a.mu.Unlock()
	return nil
}

// resubscribeAll re-subscribes to every tracked topic pattern, satisfying
// invariant 5 of spec §8: an adapter reaching "connected" automatically
// resubscribes to every topic previously tracked.
func (a *Adapter) resubscribeAll(client paho.Client) {
	for _, pattern := range a.cache.patternList() {
		p := pattern
		token := client.Subscribe(p, 0, func(_ paho.Client, m paho.Message) {
			a.onMessage(m.Topic(), m.Payload())
		})
		go func() {
			if token.WaitTimeout(5*time.Second) && token.Error() != nil {
				a.metrics.RecordError(shortMsg(token.Error()))
			}
		}()
	}
}

func (a *Adapter) onMessage(topic string, payload []byte) {
	now := time.Now().UnixMilli()
	points := a.cache.onPublish(topic, payload, now)
	if len(points) == 0 {
		return
	}
	select {
	case a.events <- adapter.Event{Kind: adapter.EventDataReceived, Data: points}:
	default:
	}
}

// Disconnect closes the session and moves to disconnected.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	c := a.client
	a.client = nil
	a.mu.Unlock()
	if c != nil && c.IsConnected() {
		c.Disconnect(250)
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

// Subscribe begins tracking tags for push delivery, subscribing to their
// topic patterns if connected.
func (a *Adapter) Subscribe(ctx context.Context, tags []model.Tag) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	newPatterns := map[string]bool{}
	for _, t := range tags {
		if t.Address.Kind != model.ProtocolMQTT || t.Address.Mqtt == nil {
			continue
		}
		addr := t.Address.Mqtt
		alreadyTracked := a.cache.hasPattern(addr.Topic)
		a.cache.track(addr.Topic, trackedTag{tagID: t.ID, jsonPath: addr.JSONPath, dataType: t.DataType})
		if !alreadyTracked {
			newPatterns[addr.Topic] = true
		}
	}
	if client == nil || !client.IsConnected() {
		return nil
	}
	for pattern := range newPatterns {
		p := pattern
		token := client.Subscribe(p, 0, func(_ paho.Client, m paho.Message) {
			a.onMessage(m.Topic(), m.Payload())
		})
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			return apperr.New(apperr.KindProtocol, "mqtt.Subscribe", token.Error())
		}
	}
	return nil
}

// Unsubscribe stops tracking the given tag ids.
func (a *Adapter) Unsubscribe(ctx context.Context, tagIDs []string) error {
	for _, id := range tagIDs {
		a.cache.untrack(id)
	}
	return nil
}

// ReadTags returns cached values for the given tags; a tag with no cached
// value yet reads as quality=uncertain with a type-appropriate zero, per
// spec §4.1.b.
func (a *Adapter) ReadTags(ctx context.Context, tags []model.Tag) []adapter.ReadResult {
	out := make([]adapter.ReadResult, 0, len(tags))
	for _, t := range tags {
		if !t.Enabled || t.Address.Kind != model.ProtocolMQTT || t.Address.Mqtt == nil {
			continue
		}
		addr := t.Address.Mqtt
		v, ok := a.cache.get(addr.Topic, addr.JSONPath)
		if !ok {
			out = append(out, adapter.ReadResult{TagID: t.ID, Value: zeroValue(t.DataType), Quality: model.QualityUncertain})
			continue
		}
		out = append(out, adapter.ReadResult{TagID: t.ID, Value: v.value, Quality: model.QualityGood, Timestamp: v.ts})
	}
	return out
}

// Write publishes a value to the tag's topic.
func (a *Adapter) Write(ctx context.Context, writes []adapter.WriteRequest) []adapter.WriteResult {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	out := make([]adapter.WriteResult, 0, len(writes))
	for _, w := range writes {
		if client == nil || w.Tag.Address.Mqtt == nil {
			out = append(out, adapter.WriteResult{TagID: w.Tag.ID, Status: model.QualityBad, Err: fmt.Errorf("mqtt: not connected or no address")})
			continue
		}
		payload := fmt.Sprintf("%v", w.Value)
		token := client.Publish(w.Tag.Address.Mqtt.Topic, 0, false, payload)
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			out = append(out, adapter.WriteResult{TagID: w.Tag.ID, Status: model.QualityBad, Err: apperr.New(apperr.KindWrite, "mqtt.Write", token.Error())})
			continue
		}
		out = append(out, adapter.WriteResult{TagID: w.Tag.ID, Status: model.QualityGood})
	}
	return out
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
