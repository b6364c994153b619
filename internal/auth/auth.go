// Package auth answers the role questions the engine asks about an actor.
// Identity is established by the transport layer; this package only maps an
// already-authenticated account to its roles.
package auth

import (
	"errors"
	"strings"
)

var (
	ErrNotAdmin      = errors.New("auth: caller is not an admin")
	ErrNotKeeper     = errors.New("auth: caller is not a keeper")
	ErrNotLiquidator = errors.New("auth: caller is not a liquidator")
)

// Authorizer reports the roles of an actor.
type Authorizer interface {
	IsAdmin(actor string) bool
	IsKeeper(actor string) bool
	IsLiquidator(actor string) bool
}

// Roles is a static Authorizer built from configuration. Account names are
// compared case-insensitively so hex addresses match regardless of checksum
// casing.
type Roles struct {
	admins      map[string]bool
	keepers     map[string]bool
	liquidators map[string]bool
}

// NewRoles builds a role set from account lists.
func NewRoles(admins, keepers, liquidators []string) *Roles {
	return &Roles{
		admins:      toSet(admins),
		keepers:     toSet(keepers),
		liquidators: toSet(liquidators),
	}
}

func toSet(list []string) map[string]bool {
	out := make(map[string]bool, len(list))
	for _, a := range list {
		if a = normalize(a); a != "" {
			out[a] = true
		}
	}
	return out
}

func normalize(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}

func (r *Roles) IsAdmin(actor string) bool      { return r.admins[normalize(actor)] }
func (r *Roles) IsKeeper(actor string) bool     { return r.keepers[normalize(actor)] }
func (r *Roles) IsLiquidator(actor string) bool { return r.liquidators[normalize(actor)] }

// RequireAdmin returns ErrNotAdmin unless actor is an admin.
func RequireAdmin(a Authorizer, actor string) error {
	if !a.IsAdmin(actor) {
		return ErrNotAdmin
	}
	return nil
}

// RequireLiquidator accepts keepers and liquidators.
func RequireLiquidator(a Authorizer, actor string) error {
	if !a.IsLiquidator(actor) && !a.IsKeeper(actor) {
		return ErrNotLiquidator
	}
	return nil
}
