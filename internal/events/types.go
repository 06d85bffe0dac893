package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Errors
var (
	ErrMalformed    = errors.New("malformed payload")
	ErrUnknownType  = errors.New("unknown event type")
	ErrMissingField = errors.New("missing required field")
)

// Local signals published by the connection manager.
const (
	TypeConnect    = "connect"
	TypeDisconnect = "disconnect"
	TypeAuthFailed = "auth_failed"
)

// Backend event tags.
const (
	TypeConnectionsStatus     = "CONNECTIONS_STATUS"
	TypeMT5StatusUpdate       = "MT5_STATUS_UPDATE"
	TypeConnectorDisconnected = "CONNECTOR_DISCONNECTED"
	TypeConnectorError        = "CONNECTOR_ERROR"
	TypePositionUpdate        = "POSITION_UPDATE"
	TypeAccountUpdate         = "ACCOUNT_UPDATE"
	TypeTradeResult           = "TRADE_RESULT"
	TypePriceUpdate           = "PRICE_UPDATE"
)

// Handshake and command tags.
const (
	TypeAuth         = "AUTH"
	TypeAuthOK       = "AUTH_OK"
	TypeAuthError    = "AUTH_ERROR"
	TypeTradeCommand = "TRADE_COMMAND"
)

// Envelope is the unit exchanged on the socket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is a validated envelope ready for handlers.
type Event struct {
	Type       string
	Payload    Payload
	ReceivedAt time.Time
}

// Payload is implemented only by the variants in this package.
type Payload interface {
	eventType() string
}

// Connected is published when the link is authenticated.
type Connected struct{}

// Disconnected is published when the link goes down, deliberately or not.
type Disconnected struct {
	Reason string `json:"reason,omitempty"`
}

// AuthFailed is published when the backend rejects the token on reconnect.
type AuthFailed struct {
	Reason string `json:"reason,omitempty"`
}

// ConnectionStatus is the full record of one broker connection.
type ConnectionStatus struct {
	ConnectionID string `json:"connectionId"`
	Name         string `json:"name,omitempty"`
	Server       string `json:"server,omitempty"`
	Login        string `json:"login,omitempty"`
	Status       string `json:"status"`
	MT5Status    string `json:"mt5Status,omitempty"`
	Error        string `json:"error,omitempty"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
}

// ConnectionsStatus carries the status of every known connection.
type ConnectionsStatus struct {
	Connections []ConnectionStatus
}

// MT5StatusUpdate is a broker-link status change for one connection.
type MT5StatusUpdate struct {
	ConnectionID string `json:"connectionId"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// ConnectorDisconnected reports a connector that lost its broker session.
type ConnectorDisconnected struct {
	ConnectionID string `json:"connectionId"`
}

// ConnectorError reports a connector failure.
type ConnectorError struct {
	ConnectionID string `json:"connectionId"`
	Error        string `json:"error"`
}

// Position is the full state of an open position.
type Position struct {
	ID           string          `json:"id"`
	ConnectionID string          `json:"connectionId"`
	Symbol       string          `json:"symbol"`
	Type         string          `json:"type"` // "BUY" or "SELL"
	Volume       decimal.Decimal `json:"volume"`
	OpenPrice    decimal.Decimal `json:"openPrice"`
	Price        decimal.Decimal `json:"price"` // current price
	StopLoss     decimal.Decimal `json:"stopLoss"`
	TakeProfit   decimal.Decimal `json:"takeProfit"`
	Swap         decimal.Decimal `json:"swap"`
	Profit       decimal.Decimal `json:"profit"`
	OpenTime     string          `json:"openTime,omitempty"`
}

// Account is the full state of a trading account, keyed by connection.
type Account struct {
	ConnectionID string          `json:"connectionId"`
	Login        string          `json:"login,omitempty"`
	Currency     string          `json:"currency,omitempty"`
	Leverage     int             `json:"leverage,omitempty"`
	Balance      decimal.Decimal `json:"balance"`
	Equity       decimal.Decimal `json:"equity"`
	Margin       decimal.Decimal `json:"margin"`
	FreeMargin   decimal.Decimal `json:"freeMargin"`
	MarginLevel  decimal.Decimal `json:"marginLevel"`
	Profit       decimal.Decimal `json:"profit"`
}

// TradeResult is the outcome of a trade command.
type TradeResult struct {
	Success       bool   `json:"success"`
	OrderID       string `json:"orderId,omitempty"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// PriceUpdate is a quote for one symbol.
type PriceUpdate struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	Time   string          `json:"time,omitempty"`
}

func (Connected) eventType() string             { return TypeConnect }
func (Disconnected) eventType() string          { return TypeDisconnect }
func (AuthFailed) eventType() string            { return TypeAuthFailed }
func (ConnectionsStatus) eventType() string     { return TypeConnectionsStatus }
func (MT5StatusUpdate) eventType() string       { return TypeMT5StatusUpdate }
func (ConnectorDisconnected) eventType() string { return TypeConnectorDisconnected }
func (ConnectorError) eventType() string        { return TypeConnectorError }
func (Position) eventType() string              { return TypePositionUpdate }
func (Account) eventType() string               { return TypeAccountUpdate }
func (TradeResult) eventType() string           { return TypeTradeResult }
func (PriceUpdate) eventType() string           { return TypePriceUpdate }
