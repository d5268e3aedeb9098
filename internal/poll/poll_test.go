package poll

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kcchien/iiot-gateway/internal/logging"
	"github.com/kcchien/iiot-gateway/internal/model"
)

type fakeReader struct {
	mu        sync.Mutex
	connected map[string]bool
	reads     int
}

func (r *fakeReader) IsConnected(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected[id]
}

func (r *fakeReader) ReadTags(ctx context.Context, id string) ([]model.DataPoint, error) {
	r.mu.Lock()
	r.reads++
	r.mu.Unlock()
	return []model.DataPoint{{TagID: "t1", Value: 1.0, Quality: model.QualityGood}}, nil
}

type fakePublisher struct {
	mu    sync.Mutex
	ticks int
}

func (p *fakePublisher) PublishTick(id string, points []model.DataPoint) {
	p.mu.Lock()
	p.ticks++
	p.mu.Unlock()
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticks
}

func TestEngine_TicksWhileConnected(t *testing.T) {
	r := &fakeReader{connected: map[string]bool{"c1": true}}
	pub := &fakePublisher{}
	e := New(r, pub, logging.Default(false))

	e.Start("c1", MinIntervalMs)
	time.Sleep(350 * time.Millisecond)
	e.Stop("c1")

	require.GreaterOrEqual(t, pub.count(), 2)
}

func TestEngine_NoOpWhenDisconnected(t *testing.T) {
	r := &fakeReader{connected: map[string]bool{"c1": false}}
	pub := &fakePublisher{}
	e := New(r, pub, logging.Default(false))

	e.Start("c1", MinIntervalMs)
	time.Sleep(250 * time.Millisecond)
	e.Stop("c1")

	require.Equal(t, 0, pub.count())
	require.Equal(t, 0, r.reads)
}

func TestEngine_StartClampsIntervalFloor(t *testing.T) {
	r := &fakeReader{connected: map[string]bool{"c1": true}}
	pub := &fakePublisher{}
	e := New(r, pub, logging.Default(false))

	e.Start("c1", 1) // below the 100ms floor
	e.mu.Lock()
	cp := e.pollers["c1"]
	e.mu.Unlock()
	require.Equal(t, int64(MinIntervalMs), cp.intervalMs)
	e.Stop("c1")
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	r := &fakeReader{connected: map[string]bool{"c1": true}}
	pub := &fakePublisher{}
	e := New(r, pub, logging.Default(false))
	e.Start("c1", MinIntervalMs)
	e.Stop("c1")
	require.NotPanics(t, func() { e.Stop("c1") })
}
