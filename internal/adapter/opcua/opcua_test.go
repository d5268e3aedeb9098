package opcua

import (
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 60000, cfg.SessionTimeoutMs)
	require.Equal(t, 100, cfg.PublishingIntervalMs)
}

func TestDecodeVariant_PassThroughScalar(t *testing.T) {
	v, err := ua.NewVariant(int32(42))
	require.NoError(t, err)
	require.Equal(t, int32(42), decodeVariant(v))
}

func TestDecodeVariant_DateTimeToISO8601(t *testing.T) {
	ts := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	v, err := ua.NewVariant(ts)
	require.NoError(t, err)
	require.Equal(t, ts.Format(time.RFC3339), decodeVariant(v))
}

func TestDecodeVariant_ByteStringToHex(t *testing.T) {
	v, err := ua.NewVariant([]byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)
	require.Equal(t, "deadbeef", decodeVariant(v))
}

func TestDecodeVariant_LocalizedTextToText(t *testing.T) {
	v, err := ua.NewVariant(&ua.LocalizedText{Text: "hello", Locale: "en"})
	require.NoError(t, err)
	require.Equal(t, "hello", decodeVariant(v))
}

func TestDecodeVariant_QualifiedNameToName(t *testing.T) {
	v, err := ua.NewVariant(&ua.QualifiedName{Name: "Temperature", NamespaceIndex: 2})
	require.NoError(t, err)
	require.Equal(t, "Temperature", decodeVariant(v))
}

func TestDecodeVariant_Nil(t *testing.T) {
	require.Nil(t, decodeVariant(nil))
}

func TestEventSelectFields_MatchesSpec(t *testing.T) {
	require.Len(t, EventSelectFields, 11)
	require.Equal(t, "EventId", EventSelectFields[0])
	require.Equal(t, "ConfirmedState/Id", EventSelectFields[len(EventSelectFields)-1])
}

func TestDeadbandFilter_NoneReturnsNil(t *testing.T) {
	require.Nil(t, deadbandFilter(MonitoredItemConfig{DeadbandType: DeadbandNone}))
	require.Nil(t, deadbandFilter(MonitoredItemConfig{}))
}

func TestDeadbandFilter_AbsoluteAndPercent(t *testing.T) {
	f := deadbandFilter(MonitoredItemConfig{DeadbandType: DeadbandAbsolute, DeadbandValue: 1.5})
	require.NotNil(t, f)
	require.Equal(t, uint32(1), f.DeadbandType)
	require.Equal(t, 1.5, f.DeadbandValue)

	f = deadbandFilter(MonitoredItemConfig{DeadbandType: DeadbandPercent, DeadbandValue: 2.0})
	require.Equal(t, uint32(2), f.DeadbandType)
}
