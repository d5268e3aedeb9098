package connmgr

import (
	"encoding/json"

	"github.com/kcchien/iiot-gateway/internal/adapter"
	"github.com/kcchien/iiot-gateway/internal/adapter/modbus"
	"github.com/kcchien/iiot-gateway/internal/adapter/mqtt"
	"github.com/kcchien/iiot-gateway/internal/adapter/opcua"
	"github.com/kcchien/iiot-gateway/internal/model"
)

// registerBuiltinFactories installs the Modbus TCP, MQTT and OPC UA
// factories onto registry, decoding each Connection's (already
// substituted) Config map into the protocol's typed Config struct over a
// set of spec §6 defaults.
func registerBuiltinFactories(registry *adapter.Registry) {
	registry.Register(model.ProtocolModbusTCP, func(conn model.Connection) (adapter.Adapter, error) {
		cfg := modbus.DefaultConfig()
		if err := decodeInto(conn.Config, &cfg); err != nil {
			return nil, err
		}
		return modbus.New(cfg), nil
	})
	registry.Register(model.ProtocolMQTT, func(conn model.Connection) (adapter.Adapter, error) {
		var cfg mqtt.Config
		if err := decodeInto(conn.Config, &cfg); err != nil {
			return nil, err
		}
		return mqtt.New(cfg), nil
	})
	registry.Register(model.ProtocolOPCUA, func(conn model.Connection) (adapter.Adapter, error) {
		cfg := opcua.DefaultConfig()
		if err := decodeInto(conn.Config, &cfg); err != nil {
			return nil, err
		}
		return opcua.New(cfg), nil
	})
}

// decodeInto round-trips raw through JSON into out, letting any zero
// values already set on out (e.g. from a protocol's DefaultConfig()) stand
// for keys raw doesn't carry.
func decodeInto(raw map[string]interface{}, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
