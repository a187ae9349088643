package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dan9191/card-ledger/internal/apperr"
	"github.com/Dan9191/card-ledger/internal/models"
	"github.com/Dan9191/card-ledger/internal/repository"
)

func TestCreateCard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.svc.CreateCard(ctx, f.alice.ID, nil, nil, f.admin)
	require.NoError(t, err)
	assert.NotZero(t, view.ID)
	assert.Equal(t, "alice", view.OwnerUsername)
	assert.Equal(t, models.CardStatusActive, view.Status)
	assert.Equal(t, "0.00", view.Balance.StringFixed(2))
	assert.True(t, strings.HasPrefix(view.MaskedPAN, "**** **** **** "))
	assert.Equal(t, models.Date(time.Now()).AddDate(3, 0, 0).Format("2006-01-02"), view.ExpiryDate)

	stored, err := f.store.GetCard(ctx, view.ID)
	require.NoError(t, err)
	pan, err := f.svc.vault.Decrypt(stored.EncryptedPAN)
	require.NoError(t, err)
	assert.Len(t, pan, 16)
	assert.Equal(t, pan[12:], view.MaskedPAN[len(view.MaskedPAN)-4:])
	assert.NotContains(t, stored.EncryptedPAN, pan)
}

func TestCreateCardWithExpiryAndBalance(t *testing.T) {
	f := newFixture(t)
	expiry := time.Date(2031, time.March, 15, 13, 45, 0, 0, time.UTC)
	balance := dec("250.50")

	view, err := f.svc.CreateCard(context.Background(), f.bob.ID, &expiry, &balance, f.admin)
	require.NoError(t, err)
	assert.Equal(t, "2031-03-15", view.ExpiryDate)
	assert.Equal(t, "250.50", view.Balance.StringFixed(2))
}

func TestCreateCardFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateCard(ctx, f.alice.ID, nil, nil, f.alice)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)

	_, err = f.svc.CreateCard(ctx, 9999, nil, nil, f.admin)
	assert.ErrorIs(t, err, apperr.ErrUserNotFound)

	negative := dec("-0.01")
	_, err = f.svc.CreateCard(ctx, f.alice.ID, nil, &negative, f.admin)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	fractional := dec("1.001")
	_, err = f.svc.CreateCard(ctx, f.alice.ID, nil, &fractional, f.admin)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestCreateCardBalanceLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, raw := range []string{"10000000000000.00", "100000000000000000.00", "184467440737095517.16"} {
		balance := dec(raw)
		_, err := f.svc.CreateCard(ctx, f.alice.ID, nil, &balance, f.admin)
		assert.ErrorIs(t, err, apperr.ErrInvalidInput, raw)
	}
	own, err := f.svc.ListOwnCards(ctx, f.alice)
	require.NoError(t, err)
	assert.Empty(t, own)

	limit := models.MaxAmount
	view, err := f.svc.CreateCard(ctx, f.alice.ID, nil, &limit, f.admin)
	require.NoError(t, err)
	assert.Equal(t, "9999999999999.99", view.Balance.StringFixed(2))
	assert.Equal(t, "9999999999999.99", f.balance(t, view.ID))
}

func TestCreateCardNumbersAreUnique(t *testing.T) {
	f := newFixture(t)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		view := f.card(t, f.alice, "0")
		card, err := f.store.GetCard(context.Background(), view.ID)
		require.NoError(t, err)
		assert.False(t, seen[card.EncryptedPAN])
		seen[card.EncryptedPAN] = true
	}
}

func TestBlockAndActivateCard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.card(t, f.alice, "10.00")

	blocked, err := f.svc.BlockCard(ctx, view.ID, f.admin)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusBlocked, blocked.Status)
	assert.Equal(t, "10.00", blocked.Balance.StringFixed(2))

	// idempotent
	blocked, err = f.svc.BlockCard(ctx, view.ID, f.admin)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusBlocked, blocked.Status)
	assert.Len(t, f.notifier.blocked, 2)

	active, err := f.svc.ActivateCard(ctx, view.ID, f.admin)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusActive, active.Status)

	_, err = f.svc.BlockCard(ctx, view.ID, f.alice)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
	_, err = f.svc.BlockCard(ctx, 9999, f.admin)
	assert.ErrorIs(t, err, apperr.ErrCardNotFound)
	_, err = f.svc.ActivateCard(ctx, 9999, f.admin)
	assert.ErrorIs(t, err, apperr.ErrCardNotFound)
}

func TestBlockCardNotificationFailureIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.notifier.fail = true
	view := f.card(t, f.alice, "0")

	blocked, err := f.svc.BlockCard(context.Background(), view.ID, f.admin)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusBlocked, blocked.Status)
}

func TestActivateExpiredCard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.card(t, f.alice, "0")
	_, err := f.svc.BlockCard(ctx, view.ID, f.admin)
	require.NoError(t, err)

	// expiry date itself is still valid
	expiry := models.Date(time.Now()).AddDate(3, 0, 0)
	f.svc.now = func() time.Time { return expiry.Add(12 * time.Hour) }
	_, err = f.svc.ActivateCard(ctx, view.ID, f.admin)
	require.NoError(t, err)

	f.svc.now = func() time.Time { return expiry.AddDate(0, 0, 1) }
	_, err = f.svc.ActivateCard(ctx, view.ID, f.admin)
	assert.ErrorIs(t, err, apperr.ErrCardExpired)
	assert.Equal(t, apperr.KindBusinessRule, apperr.KindOf(err))
}

func TestDeleteCard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	funded := f.card(t, f.alice, "10.00")
	err := f.svc.DeleteCard(ctx, funded.ID, f.admin)
	assert.ErrorIs(t, err, apperr.ErrCardHasBalance)
	assert.Equal(t, apperr.KindBusinessRule, apperr.KindOf(err))
	_, err = f.store.GetCard(ctx, funded.ID)
	require.NoError(t, err)

	empty := f.card(t, f.alice, "0")
	assert.ErrorIs(t, f.svc.DeleteCard(ctx, empty.ID, f.alice), apperr.ErrAccessDenied)
	require.NoError(t, f.svc.DeleteCard(ctx, empty.ID, f.admin))
	_, err = f.store.GetCard(ctx, empty.ID)
	assert.ErrorIs(t, err, apperr.ErrCardNotFound)
	assert.ErrorIs(t, f.svc.DeleteCard(ctx, empty.ID, f.admin), apperr.ErrCardNotFound)
}

func TestGetCard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.card(t, f.alice, "5.00")

	got, err := f.svc.GetCard(ctx, view.ID, f.alice)
	require.NoError(t, err)
	assert.Equal(t, view.MaskedPAN, got.MaskedPAN)

	_, err = f.svc.GetCard(ctx, view.ID, f.admin)
	require.NoError(t, err)

	_, err = f.svc.GetCard(ctx, view.ID, f.bob)
	assert.ErrorIs(t, err, apperr.ErrUnauthorizedCardAccess)

	_, err = f.svc.GetCard(ctx, 9999, f.alice)
	assert.ErrorIs(t, err, apperr.ErrCardNotFound)
}

func TestListCards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.card(t, f.alice, "1.00")
	f.card(t, f.alice, "2.00")
	bobCard := f.card(t, f.bob, "3.00")
	_, err := f.svc.BlockCard(ctx, bobCard.ID, f.admin)
	require.NoError(t, err)

	page, err := f.svc.ListCards(ctx, models.CardFilter{}, models.PageRequest{SortBy: "balance", SortDir: "desc"}, f.admin)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Items, 3)
	assert.Equal(t, "bob", page.Items[0].OwnerUsername)
	assert.Equal(t, "alice", page.Items[2].OwnerUsername)

	page, err = f.svc.ListCards(ctx, models.CardFilter{OwnerID: &f.alice.ID}, models.PageRequest{Size: 1}, f.admin)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	assert.Len(t, page.Items, 1)

	blocked := models.CardStatusBlocked
	page, err = f.svc.ListCards(ctx, models.CardFilter{Status: &blocked}, models.PageRequest{}, f.admin)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, bobCard.ID, page.Items[0].ID)

	bogus := models.CardStatus("LOST")
	_, err = f.svc.ListCards(ctx, models.CardFilter{Status: &bogus}, models.PageRequest{}, f.admin)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.svc.ListCards(ctx, models.CardFilter{}, models.PageRequest{}, f.alice)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
}

func TestListOwnCards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.card(t, f.alice, "1.00")
	f.card(t, f.alice, "2.00")
	f.card(t, f.bob, "3.00")

	cards, err := f.svc.ListOwnCards(ctx, f.alice)
	require.NoError(t, err)
	assert.Len(t, cards, 2)
	for _, c := range cards {
		assert.Equal(t, "alice", c.OwnerUsername)
	}

	_, err = f.svc.ListOwnCards(ctx, f.admin)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
}

func TestExpireCards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	today := models.Date(time.Now())

	past := today.AddDate(0, 0, -1)
	pastView, err := f.svc.CreateCard(ctx, f.alice.ID, &past, nil, f.admin)
	require.NoError(t, err)
	current, err := f.svc.CreateCard(ctx, f.alice.ID, &today, nil, f.admin)
	require.NoError(t, err)

	n, err := f.svc.ExpireCards(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetCard(ctx, pastView.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusExpired, got.Status)
	got, err = f.store.GetCard(ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusActive, got.Status)

	// second sweep finds nothing
	n, err = f.svc.ExpireCards(ctx, today)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// blockingStore blocks every listed card right after the sweep reads it
type blockingStore struct {
	repository.Store
}

func (s blockingStore) ListExpiredCards(ctx context.Context, today time.Time) ([]models.Card, error) {
	cards, err := s.Store.ListExpiredCards(ctx, today)
	if err != nil {
		return nil, err
	}
	for _, c := range cards {
		blocked := c
		blocked.Status = models.CardStatusBlocked
		if err := s.Store.SaveCard(ctx, &blocked); err != nil {
			return nil, err
		}
	}
	return cards, nil
}

func TestExpireCardsKeepsConcurrentlyBlockedCard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := models.Date(time.Now()).AddDate(0, 0, -1)
	view, err := f.svc.CreateCard(ctx, f.alice.ID, &past, nil, f.admin)
	require.NoError(t, err)

	f.svc.repo = blockingStore{Store: f.store}
	n, err := f.svc.ExpireCards(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.store.GetCard(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusBlocked, got.Status)
}

func TestListCardTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.card(t, f.alice, "100.00")
	b := f.card(t, f.alice, "0")

	for i := 0; i < 3; i++ {
		_, err := f.svc.Transfer(ctx, a.ID, b.ID, dec("1.00"), f.alice)
		require.NoError(t, err)
	}

	history, err := f.svc.ListCardTransactions(ctx, b.ID, f.alice, 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	history, err = f.svc.ListCardTransactions(ctx, b.ID, f.admin, 2)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	_, err = f.svc.ListCardTransactions(ctx, b.ID, f.bob, 10)
	assert.ErrorIs(t, err, apperr.ErrUnauthorizedCardAccess)
}
