package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the outcome recorded for a ledger entry
type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionFailed    TransactionStatus = "FAILED"
)

// Transaction represents an append-only ledger record of a transfer
type Transaction struct {
	ID          int64             `json:"id"`
	FromCardID  int64             `json:"from_card_id"`
	ToCardID    int64             `json:"to_card_id"`
	Amount      decimal.Decimal   `json:"amount"`
	Timestamp   time.Time         `json:"timestamp"`
	Status      TransactionStatus `json:"status"`
	Description string            `json:"description"`
}
