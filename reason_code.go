package mqttbridge

import "fmt"

// ReasonCode is an MQTT 5.0 reason code carried by acknowledgement packets.
type ReasonCode byte

// Reason codes used by the client. Values below 0x80 indicate success.
const (
	ReasonSuccess                 ReasonCode = 0x00
	ReasonGrantedQoS1             ReasonCode = 0x01
	ReasonGrantedQoS2             ReasonCode = 0x02
	ReasonDisconnectWithWill      ReasonCode = 0x04
	ReasonNoMatchingSubscribers   ReasonCode = 0x10
	ReasonNoSubscriptionExisted   ReasonCode = 0x11
	ReasonContinueAuth            ReasonCode = 0x18
	ReasonReAuth                  ReasonCode = 0x19
	ReasonUnspecifiedError        ReasonCode = 0x80
	ReasonMalformedPacket         ReasonCode = 0x81
	ReasonProtocolError           ReasonCode = 0x82
	ReasonImplSpecificError       ReasonCode = 0x83
	ReasonUnsupportedProtocol     ReasonCode = 0x84
	ReasonClientIDNotValid        ReasonCode = 0x85
	ReasonBadUserNameOrPassword   ReasonCode = 0x86
	ReasonNotAuthorized           ReasonCode = 0x87
	ReasonServerUnavailable       ReasonCode = 0x88
	ReasonServerBusy              ReasonCode = 0x89
	ReasonBanned                  ReasonCode = 0x8A
	ReasonServerShuttingDown      ReasonCode = 0x8B
	ReasonBadAuthMethod           ReasonCode = 0x8C
	ReasonKeepAliveTimeout        ReasonCode = 0x8D
	ReasonSessionTakenOver        ReasonCode = 0x8E
	ReasonTopicFilterInvalid      ReasonCode = 0x8F
	ReasonTopicNameInvalid        ReasonCode = 0x90
	ReasonPacketIDInUse           ReasonCode = 0x91
	ReasonPacketIDNotFound        ReasonCode = 0x92
	ReasonReceiveMaxExceeded      ReasonCode = 0x93
	ReasonTopicAliasInvalid       ReasonCode = 0x94
	ReasonPacketTooLarge          ReasonCode = 0x95
	ReasonQuotaExceeded           ReasonCode = 0x97
	ReasonAdminAction             ReasonCode = 0x98
	ReasonPayloadFormatInvalid    ReasonCode = 0x99
	ReasonRetainNotSupported      ReasonCode = 0x9A
	ReasonQoSNotSupported         ReasonCode = 0x9B
	ReasonUseAnotherServer        ReasonCode = 0x9C
	ReasonServerMoved             ReasonCode = 0x9D
	ReasonSharedSubNotSupported   ReasonCode = 0x9E
	ReasonConnectionRateExceeded  ReasonCode = 0x9F
	ReasonWildcardSubNotSupported ReasonCode = 0xA2
)

var reasonCodeNames = map[ReasonCode]string{
	ReasonSuccess:                 "success",
	ReasonGrantedQoS1:             "granted QoS 1",
	ReasonGrantedQoS2:             "granted QoS 2",
	ReasonDisconnectWithWill:      "disconnect with will message",
	ReasonNoMatchingSubscribers:   "no matching subscribers",
	ReasonNoSubscriptionExisted:   "no subscription existed",
	ReasonContinueAuth:            "continue authentication",
	ReasonReAuth:                  "re-authenticate",
	ReasonUnspecifiedError:        "unspecified error",
	ReasonMalformedPacket:         "malformed packet",
	ReasonProtocolError:           "protocol error",
	ReasonImplSpecificError:       "implementation specific error",
	ReasonUnsupportedProtocol:     "unsupported protocol version",
	ReasonClientIDNotValid:        "client identifier not valid",
	ReasonBadUserNameOrPassword:   "bad user name or password",
	ReasonNotAuthorized:           "not authorized",
	ReasonServerUnavailable:       "server unavailable",
	ReasonServerBusy:              "server busy",
	ReasonBanned:                  "banned",
	ReasonServerShuttingDown:      "server shutting down",
	ReasonBadAuthMethod:           "bad authentication method",
	ReasonKeepAliveTimeout:        "keep alive timeout",
	ReasonSessionTakenOver:        "session taken over",
	ReasonTopicFilterInvalid:      "topic filter invalid",
	ReasonTopicNameInvalid:        "topic name invalid",
	ReasonPacketIDInUse:           "packet identifier in use",
	ReasonPacketIDNotFound:        "packet identifier not found",
	ReasonReceiveMaxExceeded:      "receive maximum exceeded",
	ReasonTopicAliasInvalid:       "topic alias invalid",
	ReasonPacketTooLarge:          "packet too large",
	ReasonQuotaExceeded:           "quota exceeded",
	ReasonAdminAction:             "administrative action",
	ReasonPayloadFormatInvalid:    "payload format invalid",
	ReasonRetainNotSupported:      "retain not supported",
	ReasonQoSNotSupported:         "QoS not supported",
	ReasonUseAnotherServer:        "use another server",
	ReasonServerMoved:             "server moved",
	ReasonSharedSubNotSupported:   "shared subscriptions not supported",
	ReasonConnectionRateExceeded:  "connection rate exceeded",
	ReasonWildcardSubNotSupported: "wildcard subscriptions not supported",
}

// String returns a human readable description of the reason code.
func (r ReasonCode) String() string {
	if name, ok := reasonCodeNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason code 0x%02X", byte(r))
}

// IsError returns true for failure reason codes (0x80 and above).
func (r ReasonCode) IsError() bool {
	return r >= 0x80
}

// IsSuccess returns true for success reason codes (below 0x80).
func (r ReasonCode) IsSuccess() bool {
	return r < 0x80
}
