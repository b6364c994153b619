// Package symbol validates market and token identifiers and interns market
// ids into small integer handles used as ledger table keys.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
)

// marketRegex matches dash-separated uppercase segments: ETH-USD, BTC-USD-PERP.
var marketRegex = regexp.MustCompile(`^[A-Z0-9]+(-[A-Z0-9]+){0,3}$`)

// tokenRegex matches token and oracle symbols: ETH, USDC, GM-ETH-USD, WBTC.E.
var tokenRegex = regexp.MustCompile(`^[A-Z0-9]+([.-][A-Z0-9]+){0,3}$`)

const maxLen = 32

var (
	ErrInvalidMarketID = errors.New("symbol: invalid market id")
	ErrInvalidToken    = errors.New("symbol: invalid token symbol")
)

// ValidateMarketID checks the external market identifier format.
func ValidateMarketID(id string) error {
	if len(id) > maxLen || !marketRegex.MatchString(id) {
		return fmt.Errorf("%w: %q (expected e.g. ETH-USD)", ErrInvalidMarketID, id)
	}
	return nil
}

// ValidateToken checks a token or oracle symbol.
func ValidateToken(sym string) error {
	if len(sym) > maxLen || !tokenRegex.MatchString(sym) {
		return fmt.Errorf("%w: %q", ErrInvalidToken, sym)
	}
	return nil
}

// ID is an interned market handle. Handles are assigned in insertion order
// starting at 1; the zero ID is never issued.
type ID uint32

// Table interns market ids. It is append-only and not safe for concurrent
// use; the ledger serializes access.
type Table struct {
	ids   map[string]ID
	names []string
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{ids: make(map[string]ID), names: []string{""}}
}

// Intern returns the handle for name, issuing a new one if needed.
func (t *Table) Intern(name string) ID {
	if id, ok := t.ids[name]; ok {
		return id
	}
	id := ID(len(t.names))
	t.ids[name] = id
	t.names = append(t.names, name)
	return id
}

// Lookup returns the handle for name without interning.
func (t *Table) Lookup(name string) (ID, bool) {
	id, ok := t.ids[name]
	return id, ok
}

// Name resolves a handle back to its external id.
func (t *Table) Name(id ID) string {
	if int(id) >= len(t.names) {
		return ""
	}
	return t.names[id]
}

// Len returns the number of interned names.
func (t *Table) Len() int {
	return len(t.names) - 1
}
