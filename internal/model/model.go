// Package model defines the core data types shared across the gateway:
// connections, tags, addresses, data points, bridges and alert rules.
package model

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a new stable identifier for a Connection, Tag, Bridge or
// AlertRule.
func NewID() string {
	return uuid.NewString()
}

// Protocol identifies the wire protocol a Connection speaks.
type Protocol string

const (
	ProtocolModbusTCP Protocol = "modbus-tcp"
	ProtocolMQTT      Protocol = "mqtt"
	ProtocolOPCUA     Protocol = "opcua"
)

// ConnectionStatus is the adapter lifecycle state, see spec §4.1.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
	StatusDisposed     ConnectionStatus = "disposed"
)

// DataType is the expected scalar type of a Tag's decoded value.
type DataType string

const (
	DataTypeBool    DataType = "bool"
	DataTypeInt16   DataType = "int16"
	DataTypeUint16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeUint32  DataType = "uint32"
	DataTypeInt64   DataType = "int64"
	DataTypeUint64  DataType = "uint64"
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat64 DataType = "float64"
	DataTypeString  DataType = "string"
)

// RegisterCount returns how many Modbus registers a value of this data type
// occupies, per spec §3.
func (d DataType) RegisterCount() int {
	switch d {
	case DataTypeInt32, DataTypeUint32, DataTypeFloat32:
		return 2
	case DataTypeInt64, DataTypeUint64, DataTypeFloat64:
		return 4
	default:
		return 1
	}
}

// Quality is set by the adapter on every emitted value.
type Quality string

const (
	QualityGood      Quality = "good"
	QualityBad       Quality = "bad"
	QualityUncertain Quality = "uncertain"
)

// RegisterType is the Modbus function-code family a ModbusAddress reads.
type RegisterType string

const (
	RegisterHolding  RegisterType = "holding"
	RegisterInput    RegisterType = "input"
	RegisterCoil     RegisterType = "coil"
	RegisterDiscrete RegisterType = "discrete"
)

// ByteOrder controls how two (or four) 16-bit Modbus registers combine into
// a multi-register scalar. See spec §4.1.a.
type ByteOrder string

const (
	ByteOrderABCD ByteOrder = "ABCD"
	ByteOrderDCBA ByteOrder = "DCBA"
	ByteOrderBADC ByteOrder = "BADC"
	ByteOrderCDAB ByteOrder = "CDAB"
)

// ModbusAddress locates a Tag's value on a Modbus TCP endpoint.
type ModbusAddress struct {
	RegisterType RegisterType `json:"registerType" yaml:"registerType"`
	Address      int          `json:"address" yaml:"address"`
	Length       int          `json:"length" yaml:"length"`
	UnitID       *int         `json:"unitId,omitempty" yaml:"unitId,omitempty"`
	ByteOrder    ByteOrder    `json:"byteOrder,omitempty" yaml:"byteOrder,omitempty"`
}

// MqttAddress locates a Tag's value on an MQTT broker.
type MqttAddress struct {
	Topic    string `json:"topic" yaml:"topic"`
	JSONPath string `json:"jsonPath,omitempty" yaml:"jsonPath,omitempty"`
}

// OpcUaAddress locates a Tag's value on an OPC UA server.
type OpcUaAddress struct {
	NodeID      string `json:"nodeId" yaml:"nodeId"`
	AttributeID uint32 `json:"attributeId,omitempty" yaml:"attributeId,omitempty"`
}

// DefaultOpcUaAttributeID is the OPC UA "Value" attribute (13), used when
// OpcUaAddress.AttributeID is unset.
const DefaultOpcUaAttributeID uint32 = 13

// Address is the tagged union over the three protocol-specific address
// kinds. Exactly one of the pointer fields is set, matching Kind.
type Address struct {
	Kind   Protocol       `json:"kind" yaml:"kind"`
	Modbus *ModbusAddress `json:"modbus,omitempty" yaml:"modbus,omitempty"`
	Mqtt   *MqttAddress   `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
	OpcUa  *OpcUaAddress  `json:"opcua,omitempty" yaml:"opcua,omitempty"`
}

// Tag is a named handle for one scalar signal on an endpoint.
type Tag struct {
	ID           string   `json:"id" yaml:"id"`
	ConnectionID string   `json:"connectionId" yaml:"connectionId"`
	Name         string   `json:"name" yaml:"name"`
	Address      Address  `json:"address" yaml:"address"`
	DataType     DataType `json:"dataType" yaml:"dataType"`
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	CreatedAt    time.Time `json:"createdAt" yaml:"createdAt"`
}

// Connection owns a set of Tags and a single Adapter instance.
type Connection struct {
	ID        string                 `json:"id" yaml:"id"`
	Name      string                 `json:"name" yaml:"name"`
	Protocol  Protocol               `json:"protocol" yaml:"protocol"`
	Config    map[string]interface{} `json:"config" yaml:"config"`
	CreatedAt time.Time              `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt" yaml:"updatedAt"`
}

// DataPoint is an immutable, timestamped value emitted by an adapter.
type DataPoint struct {
	TagID     string      `json:"tagId"`
	Timestamp int64       `json:"timestamp"` // ms since epoch
	Value     interface{} `json:"value"`
	Quality   Quality     `json:"quality"`
}

// ConnectionMetrics is a read-only snapshot owned by the adapter and
// exposed through CM.
type ConnectionMetrics struct {
	ConnectedAt      *time.Time `json:"connectedAt,omitempty"`
	LastSuccessAt    *time.Time `json:"lastSuccessAt,omitempty"`
	LastErrorAt      *time.Time `json:"lastErrorAt,omitempty"`
	LastErrorMessage string     `json:"lastErrorMessage,omitempty"`
	RequestCount     int64      `json:"requestCount"`
	ErrorCount       int64      `json:"errorCount"`
	LatencyMs        int64      `json:"latencyMs"`
	LatencyAvgMs     float64    `json:"latencyAvgMs"`
}

// ErrorRate returns ErrorCount/RequestCount, or 0 when no requests have
// been made yet.
func (m ConnectionMetrics) ErrorRate() float64 {
	if m.RequestCount == 0 {
		return 0
	}
	return float64(m.ErrorCount) / float64(m.RequestCount)
}

// BridgeStatus is the Bridge Engine's lifecycle state for a Bridge.
type BridgeStatus string

const (
	BridgeIdle   BridgeStatus = "idle"
	BridgeActive BridgeStatus = "active"
	BridgePaused BridgeStatus = "paused"
	BridgeError  BridgeStatus = "error"
)

// BridgeTargetConfig is the template configuration for a Bridge's write
// side, either an MQTT topic template or an OPC UA node plus payload
// template.
type BridgeTargetConfig struct {
	TopicTemplate   string `json:"topicTemplate,omitempty" yaml:"topicTemplate,omitempty"`
	NodeID          string `json:"nodeId,omitempty" yaml:"nodeId,omitempty"`
	PayloadTemplate string `json:"payloadTemplate" yaml:"payloadTemplate"`
}

// BridgeOptions tunes forwarding behavior.
type BridgeOptions struct {
	MaxMessagesPerSec float64 `json:"maxMessagesPerSec,omitempty" yaml:"maxMessagesPerSec,omitempty"`
	IncludeBad        bool    `json:"includeBad" yaml:"includeBad"`
	Paused            bool    `json:"paused" yaml:"paused"`
	QueueMax          int     `json:"queueMax,omitempty" yaml:"queueMax,omitempty"`
	BackoffMs         int     `json:"backoffMs,omitempty" yaml:"backoffMs,omitempty"`
}

// Bridge forwards DataPoints from a source connection's tags to a target
// connection, rendering a templated payload.
type Bridge struct {
	ID                 string              `json:"id" yaml:"id"`
	SourceConnectionID string              `json:"sourceConnectionId" yaml:"sourceConnectionId"`
	SourceTagIDs       []string            `json:"sourceTagIds" yaml:"sourceTagIds"`
	TargetConnectionID string              `json:"targetConnectionId" yaml:"targetConnectionId"`
	TargetConfig       BridgeTargetConfig  `json:"targetConfig" yaml:"targetConfig"`
	Options            BridgeOptions       `json:"options" yaml:"options"`
	Status             BridgeStatus        `json:"status" yaml:"status"`
}

// Severity is the alert severity level.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ConditionOp is a threshold comparison operator.
type ConditionOp string

const (
	OpGT ConditionOp = ">"
	OpLT ConditionOp = "<"
	OpGE ConditionOp = ">="
	OpLE ConditionOp = "<="
	OpEQ ConditionOp = "=="
	OpNE ConditionOp = "!="
)

// ROCMode selects between absolute and percent rate-of-change evaluation.
type ROCMode string

const (
	ROCAbsolute ROCMode = "absolute"
	ROCPercent  ROCMode = "percent"
)

// ThresholdCondition fires when value op rhs.
type ThresholdCondition struct {
	Op  ConditionOp `json:"op" yaml:"op"`
	RHS float64     `json:"value" yaml:"value"`
}

// RangeCondition fires on inside/outside [Min, Max].
type RangeCondition struct {
	Min    float64 `json:"min" yaml:"min"`
	Max    float64 `json:"max" yaml:"max"`
	Inside bool    `json:"inside" yaml:"inside"`
}

// ROCCondition fires on a rate-of-change over a sliding window.
type ROCCondition struct {
	Mode      ROCMode `json:"mode" yaml:"mode"`
	WindowS   float64 `json:"windowS" yaml:"windowS"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// AlertCondition is the tagged union of tag-bound conditions.
type AlertCondition struct {
	Threshold *ThresholdCondition `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Range     *RangeCondition     `json:"range,omitempty" yaml:"range,omitempty"`
	ROC       *ROCCondition       `json:"roc,omitempty" yaml:"roc,omitempty"`
}

// AlertRule is a threshold/range/ROC rule over a tag, or a status trigger
// over a connection.
type AlertRule struct {
	ID             string           `json:"id" yaml:"id"`
	TagRef         string           `json:"tagRef,omitempty" yaml:"tagRef,omitempty"`
	Condition      *AlertCondition  `json:"condition,omitempty" yaml:"condition,omitempty"`
	ConnectionRef  string           `json:"connectionRef,omitempty" yaml:"connectionRef,omitempty"`
	StatusTrigger  ConnectionStatus `json:"statusTrigger,omitempty" yaml:"statusTrigger,omitempty"`
	Severity       Severity         `json:"severity" yaml:"severity"`
	DurationMs     int64            `json:"durationMs" yaml:"durationMs"`
	CooldownMs     int64            `json:"cooldownMs" yaml:"cooldownMs"`
	Enabled        bool             `json:"enabled" yaml:"enabled"`
	Muted          bool             `json:"muted" yaml:"muted"`
	Actions        []string         `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// IsTagBound reports whether this rule evaluates against a tag's value
// stream rather than a connection's status stream.
func (r AlertRule) IsTagBound() bool {
	return r.TagRef != ""
}

// Environment is a named set of substitution variables; at most one
// Environment in a workspace is marked default.
type Environment struct {
	Name      string            `json:"name" yaml:"name"`
	Variables map[string]string `json:"variables" yaml:"variables"`
	Default   bool              `json:"default,omitempty" yaml:"default,omitempty"`
}
