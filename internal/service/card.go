package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-ledger/internal/access"
	"github.com/Dan9191/card-ledger/internal/apperr"
	"github.com/Dan9191/card-ledger/internal/models"
)

const (
	// attempts at drawing a card number nobody holds yet
	maxPANAttempts = 10

	defaultCardValidity = 3 // years

	DefaultTransactionLimit = 20
	MaxTransactionLimit     = 100
)

var errPANSpaceExhausted = errors.New("no unused card number found")

// CreateCard issues a new ACTIVE card to ownerID. Expiry defaults to three
// years from today and the opening balance to zero.
func (s *Service) CreateCard(ctx context.Context, ownerID int64, expiry *time.Time, initialBalance *decimal.Decimal, p models.Principal) (models.CardView, error) {
	if err := access.RequireManageCards(p); err != nil {
		return models.CardView{}, err
	}

	owner, err := s.repo.GetUser(ctx, ownerID)
	if err != nil {
		return models.CardView{}, err
	}

	expiryDate := models.Date(s.now()).AddDate(defaultCardValidity, 0, 0)
	if expiry != nil {
		expiryDate = models.Date(*expiry)
	}
	balance := decimal.Zero
	if initialBalance != nil {
		balance = *initialBalance
		if balance.IsNegative() {
			return models.CardView{}, apperr.InvalidInput("initial balance must not be negative")
		}
		if !hasCents(balance) {
			return models.CardView{}, apperr.InvalidInput("initial balance must have at most 2 decimal places")
		}
		if balance.GreaterThan(models.MaxAmount) {
			return models.CardView{}, apperr.InvalidInput("initial balance must not exceed %s", models.MaxAmount.StringFixed(2))
		}
	}

	card := &models.Card{
		OwnerID:    owner.ID,
		ExpiryDate: expiryDate,
		Status:     models.CardStatusActive,
		Balance:    balance,
	}
	if err := s.insertWithUniquePAN(ctx, card); err != nil {
		return models.CardView{}, err
	}

	view, err := s.toView(card, owner.Username)
	if err != nil {
		return models.CardView{}, err
	}
	s.log.WithFields(logrus.Fields{
		"card_id":    card.ID,
		"owner_id":   owner.ID,
		"masked_pan": view.MaskedPAN,
	}).Info("Card created")
	return view, nil
}

func (s *Service) insertWithUniquePAN(ctx context.Context, card *models.Card) error {
	for attempt := 1; attempt <= maxPANAttempts; attempt++ {
		pan, err := s.vault.Generate()
		if err != nil {
			return err
		}
		encrypted, err := s.vault.Encrypt(pan)
		if err != nil {
			return err
		}
		taken, err := s.repo.ExistsByEncryptedPAN(ctx, encrypted)
		if err != nil {
			return err
		}
		if taken {
			continue
		}

		card.EncryptedPAN = encrypted
		err = s.repo.CreateCard(ctx, card)
		if errors.Is(err, apperr.ErrDuplicatePAN) {
			// lost a race for the same number
			continue
		}
		return err
	}
	return apperr.Infrastructure("generate card number", errPANSpaceExhausted)
}

// BlockCard sets the card to BLOCKED. Blocking a blocked card is a no-op success.
func (s *Service) BlockCard(ctx context.Context, id int64, p models.Principal) (models.CardView, error) {
	if err := access.RequireManageCards(p); err != nil {
		return models.CardView{}, err
	}
	card, err := s.repo.GetCard(ctx, id)
	if err != nil {
		return models.CardView{}, err
	}

	card.Status = models.CardStatusBlocked
	if err := s.repo.SaveCard(ctx, card); err != nil {
		return models.CardView{}, err
	}

	owner, err := s.repo.GetUser(ctx, card.OwnerID)
	if err != nil {
		return models.CardView{}, err
	}
	view, err := s.toView(card, owner.Username)
	if err != nil {
		return models.CardView{}, err
	}
	s.log.WithFields(logrus.Fields{"card_id": card.ID, "owner_id": card.OwnerID}).Info("Card blocked")

	if err := s.notifier.CardBlocked(owner, view); err != nil {
		s.log.WithError(err).WithField("card_id", card.ID).Error("Failed to notify owner about blocked card")
	}
	return view, nil
}

// ActivateCard sets the card to ACTIVE unless its expiry date has passed
func (s *Service) ActivateCard(ctx context.Context, id int64, p models.Principal) (models.CardView, error) {
	if err := access.RequireManageCards(p); err != nil {
		return models.CardView{}, err
	}
	card, err := s.repo.GetCard(ctx, id)
	if err != nil {
		return models.CardView{}, err
	}
	if card.IsExpired(s.now()) {
		return models.CardView{}, apperr.ErrCardExpired
	}

	card.Status = models.CardStatusActive
	if err := s.repo.SaveCard(ctx, card); err != nil {
		return models.CardView{}, err
	}
	s.log.WithFields(logrus.Fields{"card_id": card.ID, "owner_id": card.OwnerID}).Info("Card activated")
	return s.view(ctx, card)
}

// DeleteCard removes a card with zero balance
func (s *Service) DeleteCard(ctx context.Context, id int64, p models.Principal) error {
	if err := access.RequireManageCards(p); err != nil {
		return err
	}
	card, err := s.repo.GetCard(ctx, id)
	if err != nil {
		return err
	}
	if !card.Balance.IsZero() {
		return apperr.ErrCardHasBalance
	}
	// the store re-checks the balance so a transfer that lands in between is not lost
	if err := s.repo.DeleteCard(ctx, card); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"card_id": card.ID, "owner_id": card.OwnerID}).Info("Card deleted")
	return nil
}

// GetCard returns a card visible to p
func (s *Service) GetCard(ctx context.Context, id int64, p models.Principal) (models.CardView, error) {
	card, err := s.repo.GetCard(ctx, id)
	if err != nil {
		return models.CardView{}, err
	}
	if err := access.RequireViewCard(p, card); err != nil {
		return models.CardView{}, err
	}
	return s.view(ctx, card)
}

// ListCards returns one page of all cards matching filter
func (s *Service) ListCards(ctx context.Context, filter models.CardFilter, page models.PageRequest, p models.Principal) (models.Page[models.CardView], error) {
	if err := access.RequireManageCards(p); err != nil {
		return models.Page[models.CardView]{}, err
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return models.Page[models.CardView]{}, apperr.InvalidInput("unknown card status %q", *filter.Status)
	}

	cards, err := s.repo.QueryCards(ctx, filter, page.Normalize())
	if err != nil {
		return models.Page[models.CardView]{}, err
	}
	names := s.newOwnerNames()
	return models.MapPage(cards, func(c models.Card) (models.CardView, error) {
		name, err := names.lookup(ctx, c.OwnerID)
		if err != nil {
			return models.CardView{}, err
		}
		return s.toView(&c, name)
	})
}

// ListOwnCards returns every card held by p
func (s *Service) ListOwnCards(ctx context.Context, p models.Principal) ([]models.CardView, error) {
	if err := access.RequireListOwnCards(p); err != nil {
		return nil, err
	}
	owner, err := s.repo.GetUser(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	cards, err := s.repo.ListCardsByOwner(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	views := make([]models.CardView, 0, len(cards))
	for i := range cards {
		view, err := s.toView(&cards[i], owner.Username)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// ListCardTransactions returns the newest ledger records of a card visible to p
func (s *Service) ListCardTransactions(ctx context.Context, cardID int64, p models.Principal, limit int) ([]models.Transaction, error) {
	card, err := s.repo.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if err := access.RequireViewCard(p, card); err != nil {
		return nil, err
	}

	switch {
	case limit <= 0:
		limit = DefaultTransactionLimit
	case limit > MaxTransactionLimit:
		limit = MaxTransactionLimit
	}
	return s.repo.ListTransactions(ctx, cardID, limit)
}

// ExpireCards marks every ACTIVE card whose expiry date lies before the day
// of now as EXPIRED and returns how many were changed. It runs as a system
// job and takes no principal.
func (s *Service) ExpireCards(ctx context.Context, now time.Time) (int, error) {
	cards, err := s.repo.ListExpiredCards(ctx, models.Date(now))
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range cards {
		card := &cards[i]
		changed, err := s.repo.ExpireCard(ctx, card)
		if err != nil {
			return expired, err
		}
		if !changed {
			// blocked or deleted since the listing
			continue
		}
		expired++
		s.log.WithFields(logrus.Fields{
			"card_id":     card.ID,
			"owner_id":    card.OwnerID,
			"expiry_date": card.ExpiryDate.Format("2006-01-02"),
		}).Info("Card expired")
	}
	return expired, nil
}

// hasCents reports whether d fits the two-decimal money scale
func hasCents(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(2))
}
