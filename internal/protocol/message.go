package protocol

import "fmt"

// RoutingMessage is the logical unit carried over UDP: one hop's worth of
// routed content. The transport never interprets the routes or the payload.
type RoutingMessage struct {
	_ struct{} `cbor:",toarray"`

	OnwardRoute []string
	ReturnRoute []string
	Payload     []byte
}

// EncodeRoutingMessage serializes a routing message.
func EncodeRoutingMessage(m *RoutingMessage) ([]byte, error) {
	buf, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode routing message: %w", err)
	}
	return buf, nil
}

// DecodeRoutingMessage parses reassembled bytes. The result does not alias buf.
func DecodeRoutingMessage(buf []byte) (*RoutingMessage, error) {
	m := &RoutingMessage{}
	if err := decMode.Unmarshal(buf, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, nil
}

// Reply builds the message that answers m: it travels along m's return route
// and carries payload.
func (m *RoutingMessage) Reply(payload []byte) *RoutingMessage {
	return &RoutingMessage{
		OnwardRoute: append([]string(nil), m.ReturnRoute...),
		ReturnRoute: append([]string(nil), m.OnwardRoute...),
		Payload:     payload,
	}
}
