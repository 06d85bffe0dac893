package subscription

import (
	"github.com/rickgao/tradefeed/internal/events"
)

// Positions holds the latest record of each position, keyed by position id.
type Positions struct {
	scope
	items *keyed[events.Position]
}

// NewPositions registers a position view on reg.
func NewPositions(reg Registrar) *Positions {
	p := &Positions{scope: scope{reg: reg}, items: newKeyed[events.Position]()}
	p.on(events.TypePositionUpdate, func(ev events.Event) error {
		if pos, ok := payload[events.Position](ev); ok {
			p.items.put(pos.ID, pos)
		}
		return nil
	})
	return p
}

// Get returns the position with id.
func (p *Positions) Get(id string) (events.Position, bool) { return p.items.get(id) }

// All returns every position ordered by id.
func (p *Positions) All() []events.Position { return p.items.sorted() }

// Len returns the number of positions.
func (p *Positions) Len() int { return p.items.len() }

// ByConnection returns the positions held on one broker connection.
func (p *Positions) ByConnection(connectionID string) []events.Position {
	var out []events.Position
	for _, pos := range p.items.sorted() {
		if pos.ConnectionID == connectionID {
			out = append(out, pos)
		}
	}
	return out
}

// Accounts holds the latest account record per connection id.
type Accounts struct {
	scope
	items *keyed[events.Account]
}

// NewAccounts registers an account view on reg.
func NewAccounts(reg Registrar) *Accounts {
	a := &Accounts{scope: scope{reg: reg}, items: newKeyed[events.Account]()}
	a.on(events.TypeAccountUpdate, func(ev events.Event) error {
		if acct, ok := payload[events.Account](ev); ok {
			a.items.put(acct.ConnectionID, acct)
		}
		return nil
	})
	return a
}

// Get returns the account of a connection.
func (a *Accounts) Get(connectionID string) (events.Account, bool) { return a.items.get(connectionID) }

// All returns every account ordered by connection id.
func (a *Accounts) All() []events.Account { return a.items.sorted() }

// Len returns the number of accounts.
func (a *Accounts) Len() int { return a.items.len() }

// Prices holds the latest quote per symbol.
type Prices struct {
	scope
	items *keyed[events.PriceUpdate]
}

// NewPrices registers a price view on reg.
func NewPrices(reg Registrar) *Prices {
	p := &Prices{scope: scope{reg: reg}, items: newKeyed[events.PriceUpdate]()}
	p.on(events.TypePriceUpdate, func(ev events.Event) error {
		if q, ok := payload[events.PriceUpdate](ev); ok {
			p.items.put(q.Symbol, q)
		}
		return nil
	})
	return p
}

// Get returns the latest quote for symbol.
func (p *Prices) Get(symbol string) (events.PriceUpdate, bool) { return p.items.get(symbol) }

// All returns every quote ordered by symbol.
func (p *Prices) All() []events.PriceUpdate { return p.items.sorted() }

// Len returns the number of symbols quoted.
func (p *Prices) Len() int { return p.items.len() }
