package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-ledger/internal/config"
	"github.com/Dan9191/card-ledger/internal/models"
	"github.com/Dan9191/card-ledger/internal/repository"
	"github.com/Dan9191/card-ledger/internal/utils"
)

// Notifier tells card owners about changes to their cards.
// Errors are logged by the caller and never fail the operation.
type Notifier interface {
	CardBlocked(owner *models.User, card models.CardView) error
	TransferCompleted(owner *models.User, record *models.Transaction, from, to models.CardView) error
}

type noopNotifier struct{}

func (noopNotifier) CardBlocked(*models.User, models.CardView) error { return nil }

func (noopNotifier) TransferCompleted(*models.User, *models.Transaction, models.CardView, models.CardView) error {
	return nil
}

// Service handles business logic
type Service struct {
	repo     repository.Store
	vault    *utils.Vault
	notifier Notifier
	log      *logrus.Logger
	config   *config.Config
	now      func() time.Time
}

// NewService initializes a new service. A nil notifier disables notifications.
func NewService(repo repository.Store, vault *utils.Vault, notifier Notifier, log *logrus.Logger, cfg *config.Config) *Service {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Service{
		repo:     repo,
		vault:    vault,
		notifier: notifier,
		log:      log,
		config:   cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// toView projects a card for callers; the PAN leaves only in masked form
func (s *Service) toView(card *models.Card, ownerUsername string) (models.CardView, error) {
	masked, err := s.vault.MaskEncrypted(card.EncryptedPAN)
	if err != nil {
		return models.CardView{}, err
	}
	return models.CardView{
		ID:            card.ID,
		MaskedPAN:     masked,
		OwnerUsername: ownerUsername,
		ExpiryDate:    card.ExpiryDate.Format("2006-01-02"),
		Status:        card.Status,
		Balance:       card.Balance.Round(2),
		CreatedAt:     card.CreatedAt,
	}, nil
}

// ownerNames resolves usernames once per call
type ownerNames struct {
	repo  repository.Store
	names map[int64]string
}

func (s *Service) newOwnerNames() *ownerNames {
	return &ownerNames{repo: s.repo, names: make(map[int64]string)}
}

func (o *ownerNames) lookup(ctx context.Context, ownerID int64) (string, error) {
	if name, ok := o.names[ownerID]; ok {
		return name, nil
	}
	user, err := o.repo.GetUser(ctx, ownerID)
	if err != nil {
		return "", err
	}
	o.names[ownerID] = user.Username
	return user.Username, nil
}

func (s *Service) view(ctx context.Context, card *models.Card) (models.CardView, error) {
	name, err := s.newOwnerNames().lookup(ctx, card.OwnerID)
	if err != nil {
		return models.CardView{}, err
	}
	return s.toView(card, name)
}
