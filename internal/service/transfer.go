package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-ledger/internal/access"
	"github.com/Dan9191/card-ledger/internal/apperr"
	"github.com/Dan9191/card-ledger/internal/models"
)

// Transfer moves amount from one card to another card of the same user.
//
// The checks run in a fixed order and the first failure wins:
//  1. both cards exist (source reported first)
//  2. p is a USER owning both cards
//  3. both cards are ACTIVE (source reported first)
//  4. amount is positive with at most two decimals and within
//     models.MaxAmount, and the cards differ
//  5. the source balance covers amount
//  6. the credited destination stays within models.MaxAmount
//
// Checks 2 to 6 run inside the store's critical section for the pair, so
// the balances seen by checks 5 and 6 are the ones that get written. Either both
// balances and the ledger record are written or nothing is.
func (s *Service) Transfer(ctx context.Context, fromID, toID int64, amount decimal.Decimal, p models.Principal) (*models.Transaction, error) {
	fields := logrus.Fields{
		"from_card_id": fromID,
		"to_card_id":   toID,
		"amount":       amount.String(),
		"user_id":      p.ID,
	}

	var from, to models.Card
	record, err := s.repo.UpdateCardPair(ctx, fromID, toID, func(src, dst *models.Card) (*models.Transaction, error) {
		if err := checkTransfer(src, dst, amount, p); err != nil {
			return nil, err
		}
		src.Balance = src.Balance.Sub(amount)
		dst.Balance = dst.Balance.Add(amount)
		from, to = *src, *dst
		return &models.Transaction{
			Amount:      amount,
			Status:      models.TransactionCompleted,
			Description: fmt.Sprintf("Transfer from card %d to card %d", fromID, toID),
		}, nil
	})
	if err != nil {
		if apperr.IsKind(err, apperr.KindInfrastructure) {
			s.log.WithFields(fields).WithError(err).Error("Transfer failed")
		} else {
			s.log.WithFields(fields).WithField("reason", apperr.CodeOf(err)).Warn("Transfer rejected")
		}
		return nil, err
	}

	fields["transaction_id"] = record.ID
	s.log.WithFields(fields).Info("Transfer completed")

	s.notifyTransfer(ctx, p, record, &from, &to)
	return record, nil
}

func checkTransfer(from, to *models.Card, amount decimal.Decimal, p models.Principal) error {
	if err := access.RequireTransfer(p, from, to); err != nil {
		return err
	}
	if from.Status != models.CardStatusActive {
		return apperr.CardNotActive("source", from.ID)
	}
	if to.Status != models.CardStatusActive {
		return apperr.CardNotActive("destination", to.ID)
	}
	if !amount.IsPositive() {
		return apperr.ErrInvalidAmount
	}
	if !hasCents(amount) {
		return apperr.InvalidInput("amount must have at most 2 decimal places")
	}
	if amount.GreaterThan(models.MaxAmount) {
		return apperr.InvalidInput("amount must not exceed %s", models.MaxAmount.StringFixed(2))
	}
	if from.ID == to.ID {
		return apperr.ErrSelfTransfer
	}
	if from.Balance.LessThan(amount) {
		return apperr.ErrInsufficientFunds
	}
	if to.Balance.Add(amount).GreaterThan(models.MaxAmount) {
		return apperr.ErrBalanceLimitExceeded
	}
	return nil
}

func (s *Service) notifyTransfer(ctx context.Context, p models.Principal, record *models.Transaction, from, to *models.Card) {
	owner, err := s.repo.GetUser(ctx, p.ID)
	if err != nil {
		s.log.WithError(err).WithField("transaction_id", record.ID).Error("Failed to load owner for transfer notification")
		return
	}
	fromView, err := s.toView(from, owner.Username)
	if err != nil {
		s.log.WithError(err).WithField("card_id", from.ID).Error("Failed to mask card for transfer notification")
		return
	}
	toView, err := s.toView(to, owner.Username)
	if err != nil {
		s.log.WithError(err).WithField("card_id", to.ID).Error("Failed to mask card for transfer notification")
		return
	}
	if err := s.notifier.TransferCompleted(owner, record, fromView, toView); err != nil {
		s.log.WithError(err).WithField("transaction_id", record.ID).Error("Failed to notify owner about transfer")
	}
}
