package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Dan9191/card-ledger/internal/config"
	"github.com/Dan9191/card-ledger/internal/models"
	"github.com/Dan9191/card-ledger/internal/repository"
	"github.com/Dan9191/card-ledger/internal/utils"
)

type recordingNotifier struct {
	mu        sync.Mutex
	blocked   []models.CardView
	transfers []*models.Transaction
	fail      bool
}

func (n *recordingNotifier) CardBlocked(_ *models.User, card models.CardView) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = append(n.blocked, card)
	if n.fail {
		return errors.New("smtp down")
	}
	return nil
}

func (n *recordingNotifier) TransferCompleted(_ *models.User, record *models.Transaction, _, _ models.CardView) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transfers = append(n.transfers, record)
	if n.fail {
		return errors.New("smtp down")
	}
	return nil
}

type fixture struct {
	svc      *Service
	store    repository.Store
	notifier *recordingNotifier
	admin    models.Principal
	alice    models.Principal
	bob      models.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	log := logrus.New()
	log.SetOutput(io.Discard)

	store, err := repository.OpenSQLite(ctx, ":memory:", repository.Options{Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	vault, err := utils.NewVault("test-encryption-key", "")
	require.NoError(t, err)

	cfg := &config.Config{JWTSecret: "test-secret", JWTTTL: time.Hour}
	notifier := &recordingNotifier{}
	svc := NewService(store, vault, notifier, log, cfg)

	f := &fixture{svc: svc, store: store, notifier: notifier}
	f.admin = f.register(t, "admin", models.RoleAdmin)
	f.alice = f.register(t, "alice", models.RoleUser)
	f.bob = f.register(t, "bob", models.RoleUser)
	return f
}

func (f *fixture) register(t *testing.T, username string, role models.Role) models.Principal {
	t.Helper()
	user, err := f.svc.Register(context.Background(), username, username+"@example.com", "password123", role)
	require.NoError(t, err)
	return models.Principal{ID: user.ID, Role: user.Role}
}

func (f *fixture) card(t *testing.T, owner models.Principal, balance string) models.CardView {
	t.Helper()
	amount := decimal.RequireFromString(balance)
	view, err := f.svc.CreateCard(context.Background(), owner.ID, nil, &amount, f.admin)
	require.NoError(t, err)
	return view
}

func (f *fixture) balance(t *testing.T, id int64) string {
	t.Helper()
	card, err := f.store.GetCard(context.Background(), id)
	require.NoError(t, err)
	return card.Balance.StringFixed(2)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
