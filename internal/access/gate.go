// Package access holds the authorization predicates consulted by the card
// registry and the transfer engine. The predicates are pure: the principal
// is always passed in and nothing is cached between calls.
package access

import (
	"github.com/Dan9191/card-ledger/internal/apperr"
	"github.com/Dan9191/card-ledger/internal/models"
)

// CanManageCards reports whether p may create, block, activate, delete or list all cards
func CanManageCards(p models.Principal) bool {
	return p.Role == models.RoleAdmin
}

// CanViewCard reports whether p may read card
func CanViewCard(p models.Principal, card *models.Card) bool {
	if card == nil {
		return false
	}
	return p.Role == models.RoleAdmin || card.OwnerID == p.ID
}

// CanTransfer reports whether p may move money from one card to another.
// Ownership is structural: an admin holding both cards is still refused.
func CanTransfer(p models.Principal, from, to *models.Card) bool {
	if from == nil || to == nil {
		return false
	}
	return p.Role == models.RoleUser && from.OwnerID == p.ID && to.OwnerID == p.ID
}

// CanListOwnCards reports whether p has a card holder role
func CanListOwnCards(p models.Principal) bool {
	return p.Role == models.RoleUser
}

// RequireManageCards is the guard form of CanManageCards
func RequireManageCards(p models.Principal) error {
	if !CanManageCards(p) {
		return apperr.AccessDenied("card management requires the ADMIN role")
	}
	return nil
}

// RequireViewCard is the guard form of CanViewCard
func RequireViewCard(p models.Principal, card *models.Card) error {
	if !CanViewCard(p, card) {
		return apperr.ErrUnauthorizedCardAccess
	}
	return nil
}

// RequireTransfer is the guard form of CanTransfer
func RequireTransfer(p models.Principal, from, to *models.Card) error {
	if !CanTransfer(p, from, to) {
		return apperr.ErrUnauthorizedCardAccess
	}
	return nil
}

// RequireListOwnCards is the guard form of CanListOwnCards
func RequireListOwnCards(p models.Principal) error {
	if !CanListOwnCards(p) {
		return apperr.AccessDenied("listing own cards requires the USER role")
	}
	return nil
}
