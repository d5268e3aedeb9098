package connmgr

import (
	"fmt"

	"github.com/kcchien/iiot-gateway/internal/apperr"
	"github.com/kcchien/iiot-gateway/internal/model"
)

// validateTag enforces spec §3's Tag invariants: address.kind must match
// connection.protocol, and register-typed addresses must yield a register
// count consistent with dataType. Length left at 0 is filled in from the
// data type's natural register count.
func validateTag(conn model.Connection, tag *model.Tag) error {
	if tag.Address.Kind != conn.Protocol {
		return apperr.New(apperr.KindValidation, "connmgr.validateTag",
			fmt.Errorf("tag address kind %q does not match connection protocol %q", tag.Address.Kind, conn.Protocol))
	}
	switch conn.Protocol {
	case model.ProtocolModbusTCP:
		return validateModbusTag(tag)
	case model.ProtocolMQTT:
		if tag.Address.Mqtt == nil || tag.Address.Mqtt.Topic == "" {
			return apperr.New(apperr.KindValidation, "connmgr.validateTag", fmt.Errorf("mqtt tag requires a topic"))
		}
	case model.ProtocolOPCUA:
		if tag.Address.OpcUa == nil || tag.Address.OpcUa.NodeID == "" {
			return apperr.New(apperr.KindValidation, "connmgr.validateTag", fmt.Errorf("opcua tag requires a nodeId"))
		}
		if tag.Address.OpcUa.AttributeID == 0 {
			tag.Address.OpcUa.AttributeID = model.DefaultOpcUaAttributeID
		}
	}
	return nil
}

func validateModbusTag(tag *model.Tag) error {
	addr := tag.Address.Modbus
	if addr == nil {
		return apperr.New(apperr.KindValidation, "connmgr.validateTag", fmt.Errorf("modbus tag requires an address"))
	}
	want := tag.DataType.RegisterCount()
	isBitRegister := addr.RegisterType == model.RegisterCoil || addr.RegisterType == model.RegisterDiscrete
	if isBitRegister {
		if tag.DataType != model.DataTypeBool {
			return apperr.New(apperr.KindValidation, "connmgr.validateTag",
				fmt.Errorf("register type %q only supports dataType bool", addr.RegisterType))
		}
		want = 1
	}
	if tag.DataType == model.DataTypeString {
		if addr.Length <= 0 {
			return apperr.New(apperr.KindValidation, "connmgr.validateTag", fmt.Errorf("string tags require an explicit register length"))
		}
		return nil
	}
	if addr.Length == 0 {
		addr.Length = want
		return nil
	}
	if addr.Length != want {
		return apperr.New(apperr.KindValidation, "connmgr.validateTag",
			fmt.Errorf("address length %d inconsistent with dataType %q (expected %d registers)", addr.Length, tag.DataType, want))
	}
	return nil
}
