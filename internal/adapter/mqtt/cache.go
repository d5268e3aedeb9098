// Package mqtt implements the MQTT protocol adapter of spec §4.1.b, built
// on github.com/eclipse/paho.mqtt.golang — the teacher's own dependency
// (see alibo-simple-mqtt-network-lab/go-backend/main.go).
package mqtt

import (
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/kcchien/iiot-gateway/internal/model"
)

// cacheKey is the (topic, jsonPath) tuple spec §4.1.b caches the latest
// value under.
type cacheKey struct {
	topic    string
	jsonPath string
}

// cachedValue is the latest value received for a cacheKey.
type cachedValue struct {
	value interface{}
	ts    int64
}

// topicCache stores the latest decoded value per (topic, jsonPath),
// resolved per Open Question 9(a): the adapter only tracks this cache
// and a topic-pattern -> tagIDs reverse index; the authoritative tagId ->
// Tag lookup stays on CM.
type topicCache struct {
	mu     sync.RWMutex
	values map[cacheKey]cachedValue
	// patterns maps a subscribed topic pattern to the tag ids that read
	// through it, so one inbound publish can fan out to every matching
	// tag without the adapter needing the full Tag object.
	patterns map[string][]trackedTag
}

type trackedTag struct {
	tagID    string
	jsonPath string
	dataType model.DataType
}

func newTopicCache() *topicCache {
	return &topicCache{values: map[cacheKey]cachedValue{}, patterns: map[string][]trackedTag{}}
}

func (c *topicCache) track(pattern string, tt trackedTag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.patterns[pattern] {
		if existing.tagID == tt.tagID {
			return
		}
	}
	c.patterns[pattern] = append(c.patterns[pattern], tt)
}

func (c *topicCache) untrack(tagID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pattern, tags := range c.patterns {
		out := tags[:0]
		for _, t := range tags {
			if t.tagID != tagID {
				out = append(out, t)
			}
		}
		if len(out) == 0 {
			delete(c.patterns, pattern)
		} else {
			c.patterns[pattern] = out
		}
	}
}

func (c *topicCache) hasPattern(pattern string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.patterns[pattern]) > 0
}

func (c *topicCache) patternList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.patterns))
	for p := range c.patterns {
		out = append(out, p)
	}
	return out
}

// onPublish handles one inbound publish: for every tracked pattern that
// matches topic, decode the payload per each matching tag's jsonPath and
// store the latest value in the cache.
func (c *topicCache) onPublish(topic string, payload []byte, now int64) []model.DataPoint {
	c.mu.RLock()
	var matches []trackedTag
	for pattern, tags := range c.patterns {
		if TopicMatches(pattern, topic) {
			matches = append(matches, tags...)
		}
	}
	c.mu.RUnlock()
	if len(matches) == 0 {
		return nil
	}

	var points []model.DataPoint
	for _, tt := range matches {
		v, ok := decodePayload(payload, tt.jsonPath, tt.dataType)
		if !ok {
			continue
		}
		key := cacheKey{topic: topic, jsonPath: tt.jsonPath}
		c.mu.Lock()
		c.values[key] = cachedValue{value: v, ts: now}
		c.mu.Unlock()
		points = append(points, model.DataPoint{TagID: tt.tagID, Timestamp: now, Value: v, Quality: model.QualityGood})
	}
	return points
}

// get returns the cached value for (topic, jsonPath), or (nil, false) if
// no value has ever arrived.
func (c *topicCache) get(topic, jsonPath string) (cachedValue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[cacheKey{topic: topic, jsonPath: jsonPath}]
	return v, ok
}

// TopicMatches implements MQTT §4.7 wildcard matching: '+' matches
// exactly one level, '#' matches the remainder of the topic (must be the
// final level of the pattern).
func TopicMatches(pattern, topic string) bool {
	pParts := strings.Split(pattern, "/")
	tParts := strings.Split(topic, "/")
	for i, p := range pParts {
		if p == "#" {
			return true // matches this level and all remaining levels
		}
		if i >= len(tParts) {
			return false
		}
		if p == "+" {
			continue
		}
		if p != tParts[i] {
			return false
		}
	}
	return len(pParts) == len(tParts)
}

// decodePayload applies spec §4.1.b's parse rules: JSON path extraction
// when jsonPath is set, else a heuristic (true/1/on, false/0/off, numeric,
// else raw string), coerced to the tag's DataType.
func decodePayload(payload []byte, jsonPath string, dt model.DataType) (interface{}, bool) {
	raw := string(payload)
	if jsonPath != "" {
		res := gjson.GetBytes(payload, jsonPath)
		if !res.Exists() {
			return nil, false
		}
		raw = res.String()
		if dt == model.DataTypeBool {
			return res.Bool(), true
		}
		if isNumericType(dt) {
			return coerceNumeric(res.Float(), dt), true
		}
		return raw, true
	}
	return heuristicParse(raw, dt)
}

func heuristicParse(raw string, dt model.DataType) (interface{}, bool) {
	trimmed := strings.TrimSpace(raw)
	lower := strings.ToLower(trimmed)
	switch lower {
	case "true", "1", "on":
		if dt == model.DataTypeBool {
			return true, true
		}
		return coerceNumeric(1, dt), true
	case "false", "0", "off":
		if dt == model.DataTypeBool {
			return false, true
		}
		return coerceNumeric(0, dt), true
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		if isNumericType(dt) {
			return coerceNumeric(f, dt), true
		}
		return f, true
	}
	return raw, true
}

func isNumericType(dt model.DataType) bool {
	switch dt {
	case model.DataTypeInt16, model.DataTypeUint16, model.DataTypeInt32, model.DataTypeUint32,
		model.DataTypeInt64, model.DataTypeUint64, model.DataTypeFloat32, model.DataTypeFloat64:
		return true
	}
	return false
}

func coerceNumeric(f float64, dt model.DataType) interface{} {
	switch dt {
	case model.DataTypeInt16:
		return int16(f)
	case model.DataTypeUint16:
		return uint16(f)
	case model.DataTypeInt32:
		return int32(f)
	case model.DataTypeUint32:
		return uint32(f)
	case model.DataTypeInt64:
		return int64(f)
	case model.DataTypeUint64:
		return uint64(f)
	case model.DataTypeFloat32:
		return float32(f)
	default:
		return f
	}
}

// zeroValue returns the type-appropriate zero for dt, used when a tag has
// never received a cached value (quality=uncertain per spec §4.1.b).
func zeroValue(dt model.DataType) interface{} {
	switch dt {
	case model.DataTypeBool:
		return false
	case model.DataTypeString:
		return ""
	default:
		return coerceNumeric(0, dt)
	}
}
