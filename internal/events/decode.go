package events

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Known reports whether t is part of the inbound vocabulary.
func Known(t string) bool {
	switch t {
	case TypeConnect, TypeDisconnect, TypeAuthFailed,
		TypeConnectionsStatus, TypeMT5StatusUpdate, TypeConnectorDisconnected,
		TypeConnectorError, TypePositionUpdate, TypeAccountUpdate,
		TypeTradeResult, TypePriceUpdate:
		return true
	}
	return false
}

// ParseEnvelope extracts the type tag and raw payload from a frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: type", ErrMissingField)
	}
	return env, nil
}

// Decode validates the payload of env against its type tag.
func Decode(env Envelope) (Payload, error) {
	switch env.Type {
	case TypeConnect:
		return Connected{}, nil

	case TypeDisconnect:
		var p Disconnected
		if err := unmarshalOptional(env, &p); err != nil {
			return nil, err
		}
		return p, nil

	case TypeAuthFailed:
		var p AuthFailed
		if err := unmarshalOptional(env, &p); err != nil {
			return nil, err
		}
		return p, nil

	case TypeConnectionsStatus:
		var list []ConnectionStatus
		if err := unmarshalRequired(env, &list); err != nil {
			return nil, err
		}
		for i, c := range list {
			if c.ConnectionID == "" {
				return nil, missing(env.Type, fmt.Sprintf("[%d].connectionId", i))
			}
		}
		return ConnectionsStatus{Connections: list}, nil

	case TypeMT5StatusUpdate:
		var p MT5StatusUpdate
		if err := unmarshalRequired(env, &p); err != nil {
			return nil, err
		}
		if p.ConnectionID == "" {
			return nil, missing(env.Type, "connectionId")
		}
		return p, nil

	case TypeConnectorDisconnected:
		var p ConnectorDisconnected
		if err := unmarshalRequired(env, &p); err != nil {
			return nil, err
		}
		if p.ConnectionID == "" {
			return nil, missing(env.Type, "connectionId")
		}
		return p, nil

	case TypeConnectorError:
		var p ConnectorError
		if err := unmarshalRequired(env, &p); err != nil {
			return nil, err
		}
		if p.ConnectionID == "" {
			return nil, missing(env.Type, "connectionId")
		}
		return p, nil

	case TypePositionUpdate:
		var p Position
		if err := unmarshalRequired(env, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, missing(env.Type, "id")
		}
		return p, nil

	case TypeAccountUpdate:
		var p Account
		if err := unmarshalRequired(env, &p); err != nil {
			return nil, err
		}
		if p.ConnectionID == "" {
			return nil, missing(env.Type, "connectionId")
		}
		return p, nil

	case TypeTradeResult:
		// success must be explicit; a missing flag is not a failure.
		var wire struct {
			TradeResult
			Success *bool `json:"success"`
		}
		if err := unmarshalRequired(env, &wire); err != nil {
			return nil, err
		}
		if wire.Success == nil {
			return nil, missing(env.Type, "success")
		}
		p := wire.TradeResult
		p.Success = *wire.Success
		return p, nil

	case TypePriceUpdate:
		var p PriceUpdate
		if err := unmarshalRequired(env, &p); err != nil {
			return nil, err
		}
		if p.Symbol == "" {
			return nil, missing(env.Type, "symbol")
		}
		return p, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

// NewEnvelope marshals v as the payload of a frame tagged t.
func NewEnvelope(t string, v any) (Envelope, error) {
	env := Envelope{Type: t}
	if v == nil {
		return env, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = data
	return env, nil
}

// Signal builds an envelope for a locally generated event.
func Signal(t string, reason string) Envelope {
	if reason == "" {
		return Envelope{Type: t}
	}
	data, _ := json.Marshal(struct {
		Reason string `json:"reason"`
	}{reason})
	return Envelope{Type: t, Payload: data}
}

func unmarshalRequired(env Envelope, v any) error {
	if isEmpty(env.Payload) {
		return missing(env.Type, "payload")
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return nil
}

func unmarshalOptional(env Envelope, v any) error {
	if isEmpty(env.Payload) {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return nil
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func missing(eventType, field string) error {
	return fmt.Errorf("%w: %s.%s", ErrMissingField, eventType, field)
}
