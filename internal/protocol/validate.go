package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionCreate:    true,
	TypeChatSend:         true,
	TypeActionAbort:      true,
	TypeSessionKill:      true,
	TypeFilesRequestTree: true,
	TypeProjectCommands:  true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeSessionCreate:
		var p SessionCreatePayload
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		if err := required(&msg, "workDir", p.WorkDir); err != nil {
			return nil, err
		}

	case TypeChatSend:
		var p ChatSendPayload
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		if err := required(&msg, "sessionId", p.SessionID); err != nil {
			return nil, err
		}
		if err := required(&msg, "text", p.Text); err != nil {
			return nil, err
		}

	case TypeActionAbort:
		var p ActionAbortPayload
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		if err := required(&msg, "sessionId", p.SessionID); err != nil {
			return nil, err
		}
		if err := required(&msg, "actionId", p.ActionID); err != nil {
			return nil, err
		}

	case TypeSessionKill, TypeFilesRequestTree, TypeProjectCommands:
		var p SessionIDPayload
		if err := decode(&msg, &p); err != nil {
			return nil, err
		}
		if err := required(&msg, "sessionId", p.SessionID); err != nil {
			return nil, err
		}
	}

	return &msg, nil
}

func decode(msg *Message, v interface{}) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	return nil
}

func required(msg *Message, field, value string) error {
	if value == "" {
		return fmt.Errorf("missing required field '%s' in %s payload", field, msg.Type)
	}
	return nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
