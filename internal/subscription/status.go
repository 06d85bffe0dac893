package subscription

import (
	"sync"

	"github.com/rickgao/tradefeed/internal/events"
)

// Connector status values set locally.
const (
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// ConnectionStatus tracks the socket link and the backend's connector records.
type ConnectionStatus struct {
	scope

	mu         sync.RWMutex
	connected  bool
	authFailed bool
	authReason string
	connectors *keyed[events.ConnectionStatus]
}

// NewConnectionStatus registers a connection status view on reg.
func NewConnectionStatus(reg Registrar) *ConnectionStatus {
	s := &ConnectionStatus{
		scope:      scope{reg: reg},
		connectors: newKeyed[events.ConnectionStatus](),
	}

	s.on(events.TypeConnect, s.handleConnect)
	s.on(events.TypeDisconnect, s.handleDisconnect)
	s.on(events.TypeAuthFailed, s.handleAuthFailed)
	s.on(events.TypeConnectionsStatus, s.handleConnectionsStatus)
	s.on(events.TypeMT5StatusUpdate, s.handleMT5Status)
	s.on(events.TypeConnectorDisconnected, s.handleConnectorDisconnected)
	s.on(events.TypeConnectorError, s.handleConnectorError)

	return s
}

// Connected reports the socket-level link flag.
func (s *ConnectionStatus) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// AuthFailed reports whether the backend rejected the token, and why.
func (s *ConnectionStatus) AuthFailed() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authFailed, s.authReason
}

// Connector returns the record for one connection id.
func (s *ConnectionStatus) Connector(id string) (events.ConnectionStatus, bool) {
	return s.connectors.get(id)
}

// Connectors returns all connector records ordered by id.
func (s *ConnectionStatus) Connectors() []events.ConnectionStatus {
	return s.connectors.sorted()
}

func (s *ConnectionStatus) handleConnect(events.Event) error {
	s.mu.Lock()
	s.connected = true
	s.authFailed = false
	s.authReason = ""
	s.mu.Unlock()
	return nil
}

func (s *ConnectionStatus) handleDisconnect(events.Event) error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

func (s *ConnectionStatus) handleAuthFailed(ev events.Event) error {
	p, _ := payload[events.AuthFailed](ev)
	s.mu.Lock()
	s.connected = false
	s.authFailed = true
	s.authReason = p.Reason
	s.mu.Unlock()
	return nil
}

func (s *ConnectionStatus) handleConnectionsStatus(ev events.Event) error {
	p, ok := payload[events.ConnectionsStatus](ev)
	if !ok {
		return nil
	}
	for _, c := range p.Connections {
		s.connectors.put(c.ConnectionID, c)
	}
	return nil
}

// update applies fn to the record at id, creating it when absent.
func (s *ConnectionStatus) update(id string, fn func(*events.ConnectionStatus)) {
	s.connectors.mu.Lock()
	defer s.connectors.mu.Unlock()

	rec, ok := s.connectors.items[id]
	if !ok {
		rec = events.ConnectionStatus{ConnectionID: id}
	}
	fn(&rec)
	s.connectors.items[id] = rec
}

func (s *ConnectionStatus) handleMT5Status(ev events.Event) error {
	p, ok := payload[events.MT5StatusUpdate](ev)
	if !ok {
		return nil
	}
	s.update(p.ConnectionID, func(rec *events.ConnectionStatus) {
		rec.MT5Status = p.Status
		rec.Error = p.Error
	})
	return nil
}

func (s *ConnectionStatus) handleConnectorDisconnected(ev events.Event) error {
	p, ok := payload[events.ConnectorDisconnected](ev)
	if !ok {
		return nil
	}
	s.update(p.ConnectionID, func(rec *events.ConnectionStatus) {
		rec.Status = StatusDisconnected
		rec.MT5Status = StatusDisconnected
	})
	return nil
}

func (s *ConnectionStatus) handleConnectorError(ev events.Event) error {
	p, ok := payload[events.ConnectorError](ev)
	if !ok {
		return nil
	}
	s.update(p.ConnectionID, func(rec *events.ConnectionStatus) {
		rec.Status = StatusError
		rec.Error = p.Error
	})
	return nil
}
