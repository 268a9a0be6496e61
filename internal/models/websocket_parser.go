package models

import (
	"encoding/json"
	"fmt"
)

// ParseWSMessage parses a raw change feed message.
func ParseWSMessage(data []byte) (*WSMessage, error) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse ws message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("parse ws message: missing type")
	}
	return &msg, nil
}

// ParseMessageData parses the data field based on message type.
func ParseMessageData(msg *WSMessage) (interface{}, error) {
	switch msg.Type {
	case WSTypeHello:
		var data HelloMessage
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("parse hello message: %w", err)
		}
		return &data, nil

	case WSTypeChanged:
		var data ChangedMessage
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("parse changed message: %w", err)
		}
		return &data, nil

	case WSTypeError:
		var data ErrorMessage
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("parse error message: %w", err)
		}
		return &data, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
}
