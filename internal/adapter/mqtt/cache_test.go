package mqtt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kcchien/iiot-gateway/internal/model"
)

// Scenario 7 of spec §8.
func TestTopicMatches_WildcardSemantics(t *testing.T) {
	require.True(t, TopicMatches("plant/+/temp/#", "plant/A/temp/1"))
	require.True(t, TopicMatches("plant/+/temp/#", "plant/B/temp/1/raw"))
	require.False(t, TopicMatches("plant/+/temp/#", "plant/A/pressure"))
}

func TestTopicMatches_ExactAndSingleLevel(t *testing.T) {
	require.True(t, TopicMatches("a/b/c", "a/b/c"))
	require.False(t, TopicMatches("a/b/c", "a/b"))
	require.True(t, TopicMatches("a/+/c", "a/x/c"))
	require.False(t, TopicMatches("a/+/c", "a/x/y/c"))
}

func TestOnPublish_HeuristicDecode(t *testing.T) {
	c := newTopicCache()
	c.track("sensors/1", trackedTag{tagID: "t1", dataType: model.DataTypeFloat64})
	c.track("sensors/2", trackedTag{tagID: "t2", dataType: model.DataTypeBool})

	pts := c.onPublish("sensors/1", []byte("23.5"), 1000)
	require.Len(t, pts, 1)
	require.Equal(t, 23.5, pts[0].Value)

	pts = c.onPublish("sensors/2", []byte("true"), 1000)
	require.Len(t, pts, 1)
	require.Equal(t, true, pts[0].Value)
}

func TestOnPublish_JSONPath(t *testing.T) {
	c := newTopicCache()
	c.track("sensors/3", trackedTag{tagID: "t3", jsonPath: "reading.value", dataType: model.DataTypeFloat64})
	pts := c.onPublish("sensors/3", []byte(`{"reading":{"value":42.5}}`), 1000)
	require.Len(t, pts, 1)
	require.Equal(t, 42.5, pts[0].Value)
}

func TestGet_UncachedReturnsNotOK(t *testing.T) {
	c := newTopicCache()
	_, ok := c.get("missing/topic", "")
	require.False(t, ok)
}

func TestCache_WildcardFanOut(t *testing.T) {
	c := newTopicCache()
	c.track("plant/+/temp", trackedTag{tagID: "tA", dataType: model.DataTypeFloat64})
	pts := c.onPublish("plant/unit7/temp", []byte("99.1"), 5000)
	require.Len(t, pts, 1)
	require.Equal(t, "tA", pts[0].TagID)
}

func TestUntrack_RemovesPattern(t *testing.T) {
	c := newTopicCache()
	c.track("x/y", trackedTag{tagID: "t1"})
	c.untrack("t1")
	require.False(t, c.hasPattern("x/y"))
}
