package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidCommand is returned for commands the backend would reject.
var ErrInvalidCommand = errors.New("invalid trade command")

// Action is the requested trade operation.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionClose Action = "CLOSE"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionClose:
		return true
	}
	return false
}

// TradeCommand is an outbound order instruction.
// Zero decimals are treated as "not set".
type TradeCommand struct {
	CorrelationID string
	ConnectionID  string
	Action        Action
	Symbol        string
	OrderType     string // e.g. "MARKET", "LIMIT"; empty lets the backend decide
	PositionID    string // required by some backends for CLOSE
	LotSize       decimal.Decimal
	StopLoss      decimal.Decimal
	TakeProfit    decimal.Decimal
}

// Validate checks the fields the backend needs to route the command.
func (c TradeCommand) Validate() error {
	if strings.TrimSpace(c.ConnectionID) == "" {
		return fmt.Errorf("%w: connection id is required", ErrInvalidCommand)
	}
	if !c.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, c.Action)
	}
	if strings.TrimSpace(c.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidCommand)
	}
	if c.LotSize.IsNegative() {
		return fmt.Errorf("%w: lot size must be positive, got %s", ErrInvalidCommand, c.LotSize)
	}
	if c.StopLoss.IsNegative() || c.TakeProfit.IsNegative() {
		return fmt.Errorf("%w: stop loss and take profit must not be negative", ErrInvalidCommand)
	}
	return nil
}

// tradeCommandWire is the wire format for TRADE_COMMAND payloads.
// Decimals are sent as JSON numbers.
type tradeCommandWire struct {
	CorrelationID string      `json:"correlationId"`
	ConnectionID  string      `json:"connectionId"`
	Action        Action      `json:"action"`
	Symbol        string      `json:"symbol"`
	OrderType     string      `json:"orderType,omitempty"`
	PositionID    string      `json:"positionId,omitempty"`
	LotSize       json.Number `json:"lotSize,omitempty"`
	StopLoss      json.Number `json:"stopLoss,omitempty"`
	TakeProfit    json.Number `json:"takeProfit,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c TradeCommand) MarshalJSON() ([]byte, error) {
	return json.Marshal(tradeCommandWire{
		CorrelationID: c.CorrelationID,
		ConnectionID:  c.ConnectionID,
		Action:        c.Action,
		Symbol:        c.Symbol,
		OrderType:     c.OrderType,
		PositionID:    c.PositionID,
		LotSize:       optionalNumber(c.LotSize),
		StopLoss:      optionalNumber(c.StopLoss),
		TakeProfit:    optionalNumber(c.TakeProfit),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *TradeCommand) UnmarshalJSON(data []byte) error {
	var wire tradeCommandWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*c = TradeCommand{
		CorrelationID: wire.CorrelationID,
		ConnectionID:  wire.ConnectionID,
		Action:        wire.Action,
		Symbol:        wire.Symbol,
		OrderType:     wire.OrderType,
		PositionID:    wire.PositionID,
	}
	var err error
	if c.LotSize, err = parseOptional(wire.LotSize); err != nil {
		return fmt.Errorf("lotSize: %w", err)
	}
	if c.StopLoss, err = parseOptional(wire.StopLoss); err != nil {
		return fmt.Errorf("stopLoss: %w", err)
	}
	if c.TakeProfit, err = parseOptional(wire.TakeProfit); err != nil {
		return fmt.Errorf("takeProfit: %w", err)
	}
	return nil
}

func optionalNumber(d decimal.Decimal) json.Number {
	if d.IsZero() {
		return ""
	}
	return json.Number(d.String())
}

func parseOptional(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(n.String())
}
