package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxAmount is the largest balance or transfer amount a card can hold,
// the range of a NUMERIC(15,2) column
var MaxAmount = decimal.RequireFromString("9999999999999.99")

// CardStatus is the lifecycle state of a card
type CardStatus string

const (
	CardStatusActive  CardStatus = "ACTIVE"
	CardStatusBlocked CardStatus = "BLOCKED"
	CardStatusExpired CardStatus = "EXPIRED"
)

// Valid reports whether s is one of the known statuses
func (s CardStatus) Valid() bool {
	switch s {
	case CardStatusActive, CardStatusBlocked, CardStatusExpired:
		return true
	}
	return false
}

// Card represents a bank card. EncryptedPAN is never decrypted outside the vault.
type Card struct {
	ID           int64           `json:"id"`
	EncryptedPAN string          `json:"-"`
	OwnerID      int64           `json:"owner_id"`
	ExpiryDate   time.Time       `json:"expiry_date"`
	Status       CardStatus      `json:"status"`
	Balance      decimal.Decimal `json:"balance"`
	Version      int64           `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IsExpired reports whether the expiry date lies strictly before the day of now.
// A card stays usable through its expiry date.
func (c *Card) IsExpired(now time.Time) bool {
	return Date(c.ExpiryDate).Before(Date(now))
}

// CardView is the projection returned to callers. The PAN is always masked.
type CardView struct {
	ID            int64           `json:"id"`
	MaskedPAN     string          `json:"masked_pan"`
	OwnerUsername string          `json:"owner_username"`
	ExpiryDate    string          `json:"expiry_date"` // Format: YYYY-MM-DD
	Status        CardStatus      `json:"status"`
	Balance       decimal.Decimal `json:"balance"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CardFilter narrows a card listing; nil fields are not applied
type CardFilter struct {
	OwnerID *int64
	Status  *CardStatus
}

// Date returns midnight UTC of the calendar day of t
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
