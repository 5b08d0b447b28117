package protocol

import (
	"encoding/binary"
	"fmt"
)

// GatewayHeaderSize is the fixed prefix the MQTT gateway adds to every
// binary audio frame it relays.
const GatewayHeaderSize = 16

// GatewayFrame is a binary frame relayed through the MQTT gateway. The
// first 8 header bytes are reserved by the gateway and passed through
// untouched.
type GatewayFrame struct {
	TimestampMs uint32
	Payload     []byte
}

// ParseGatewayFrame splits a gateway-relayed frame into its millisecond
// timestamp and opus payload. Bytes [8,12) carry the big-endian timestamp
// and [12,16) the payload length. A declared length that fits selects
// that many payload bytes; otherwise everything after the header is
// taken as payload, since some gateway builds pad or misreport it.
func ParseGatewayFrame(data []byte) (*GatewayFrame, error) {
	if len(data) < GatewayHeaderSize {
		return nil, fmt.Errorf("gateway frame too short: %d bytes", len(data))
	}
	timestamp := binary.BigEndian.Uint32(data[8:12])
	payload := data[GatewayHeaderSize:]
	if n := int(binary.BigEndian.Uint32(data[12:16])); n > 0 && n <= len(payload) {
		payload = payload[:n]
	}
	return &GatewayFrame{TimestampMs: timestamp, Payload: payload}, nil
}
