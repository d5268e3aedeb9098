package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kcchien/iiot-gateway/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rbs.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertBatch_RangeAndSeek(t *testing.T) {
	s := newTestStore(t)
	dps := []model.DataPoint{
		{TagID: "t1", Timestamp: 1000, Value: 1.0, Quality: model.QualityGood},
		{TagID: "t1", Timestamp: 2000, Value: 2.0, Quality: model.QualityGood},
		{TagID: "t2", Timestamp: 1500, Value: true, Quality: model.QualityGood},
	}
	require.NoError(t, s.InsertBatch(dps))

	rng, err := s.Range()
	require.NoError(t, err)
	require.NotNil(t, rng)
	require.Equal(t, int64(1000), rng.FirstTs)
	require.Equal(t, int64(2000), rng.LastTs)
	require.Equal(t, int64(3), rng.Count)

	at := int64(1600)
	snap, err := s.Seek(at)
	require.NoError(t, err)
	require.Equal(t, 1.0, snap["t1"].Value)
	require.Equal(t, true, snap["t2"].Value)
}

func TestRange_EmptyIsNil(t *testing.T) {
	s := newTestStore(t)
	rng, err := s.Range()
	require.NoError(t, err)
	require.Nil(t, rng)
}

// Scenario 4 of spec §8: eviction keeps row count at maxRows.
func TestInsertBatch_EvictsOldestBeyondMaxRows(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateConfig(intPtr(5), nil))

	var dps []model.DataPoint
	for i := 0; i < 10; i++ {
		dps = append(dps, model.DataPoint{TagID: "t1", Timestamp: int64(i * 1000), Value: float64(i), Quality: model.QualityGood})
	}
	require.NoError(t, s.InsertBatch(dps))

	rng, err := s.Range()
	require.NoError(t, err)
	require.Equal(t, int64(5), rng.Count)
	require.Equal(t, int64(5000), rng.FirstTs) // oldest 5 rows evicted
	require.Equal(t, int64(9000), rng.LastTs)
}

func TestExport_RawTimeOrdered(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertBatch([]model.DataPoint{
		{TagID: "t1", Timestamp: 300, Value: 3.0, Quality: model.QualityGood},
		{TagID: "t1", Timestamp: 100, Value: 1.0, Quality: model.QualityGood},
		{TagID: "t1", Timestamp: 200, Value: 2.0, Quality: model.QualityGood},
	}))
	out, err := s.Export([]string{"t1"}, 0, 1000)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, 1.0, out[0].Value)
	require.Equal(t, 2.0, out[1].Value)
	require.Equal(t, 3.0, out[2].Value)
}

func TestSparkline_ReturnsAllWhenUnderMaxPoints(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertBatch([]model.DataPoint{
		{TagID: "t1", Timestamp: 100, Value: 1.0, Quality: model.QualityGood},
		{TagID: "t1", Timestamp: 200, Value: 2.0, Quality: model.QualityGood},
	}))
	ts, vs, err := s.Sparkline("t1", 0, 1000, 100)
	require.NoError(t, err)
	require.Equal(t, []int64{100, 200}, ts)
	require.Equal(t, []float64{1.0, 2.0}, vs)
}

// Scenario 3 / invariant around LTTB: first and last points are always
// retained and the output never exceeds maxPoints.
func TestSparkline_LTTBDownsamplesKeepingEndpoints(t *testing.T) {
	s := newTestStore(t)
	var dps []model.DataPoint
	for i := 0; i < 1000; i++ {
		dps = append(dps, model.DataPoint{TagID: "t1", Timestamp: int64(i), Value: float64(i % 7), Quality: model.QualityGood})
	}
	require.NoError(t, s.InsertBatch(dps))

	ts, vs, err := s.Sparkline("t1", 0, 1000, 50)
	require.NoError(t, err)
	require.Len(t, ts, 50)
	require.Len(t, vs, 50)
	require.Equal(t, int64(0), ts[0])
	require.Equal(t, int64(999), ts[len(ts)-1])
}

func TestLTTB_DirectInvariants(t *testing.T) {
	ts := make([]int64, 200)
	vs := make([]float64, 200)
	for i := range ts {
		ts[i] = int64(i)
		vs[i] = float64(i) * float64(i)
	}
	outTs, outVs, err := lttb(ts, vs, 20)
	require.NoError(t, err)
	require.Len(t, outTs, 20)
	require.Len(t, outVs, 20)
	require.Equal(t, ts[0], outTs[0])
	require.Equal(t, ts[len(ts)-1], outTs[len(outTs)-1])
	for i := 1; i < len(outTs); i++ {
		require.Greater(t, outTs[i], outTs[i-1])
	}
}

func TestClear_RemovesAllRows(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertBatch([]model.DataPoint{{TagID: "t1", Timestamp: 1, Value: 1.0, Quality: model.QualityGood}}))
	require.NoError(t, s.Clear())
	rng, err := s.Range()
	require.NoError(t, err)
	require.Nil(t, rng)
}

func intPtr(n int) *int { return &n }
