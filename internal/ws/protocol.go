package ws

import (
	"encoding/json"
	"errors"

	"github.com/session-timer/backend/internal/engine"
)

// ClientMessage is the inbound envelope. Outbound messages use
// engine.Message, which has the same shape.
type ClientMessage struct {
	Type    engine.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

type UserPayload struct {
	UserID string `json:"userId"`
}

var errNoType = errors.New("message has no type")

// decodeCommand parses a client frame into its event type and user id.
// A missing or empty payload yields an empty user id, which the engine
// rejects.
func decodeCommand(data []byte) (engine.EventType, string, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", "", err
	}
	if msg.Type == "" {
		return "", "", errNoType
	}
	var p UserPayload
	if len(msg.Payload) > 0 && string(msg.Payload) != "null" {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return "", "", err
		}
	}
	return msg.Type, p.UserID, nil
}
