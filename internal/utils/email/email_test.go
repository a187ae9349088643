package email

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jordan-wright/email"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dan9191/card-ledger/internal/config"
	"github.com/Dan9191/card-ledger/internal/models"
)

func newTestSender(t *testing.T) (*Sender, *[]*email.Email) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	s := NewSender(&config.Config{SenderEmail: "noreply@bank.test"}, log)
	var sent []*email.Email
	s.send = func(e *email.Email) error {
		sent = append(sent, e)
		return nil
	}
	return s, &sent
}

var owner = &models.User{Username: "alice", Email: "alice@example.com"}

func TestCardBlocked(t *testing.T) {
	s, sent := newTestSender(t)

	err := s.CardBlocked(owner, models.CardView{MaskedPAN: "**** **** **** 3456"})
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	e := (*sent)[0]
	assert.Equal(t, "noreply@bank.test", e.From)
	assert.Equal(t, []string{"alice@example.com"}, e.To)
	assert.Equal(t, "Card Blocked", e.Subject)
	assert.Contains(t, string(e.Text), "Dear alice")
	assert.Contains(t, string(e.Text), "**** **** **** 3456")
}

func TestTransferCompleted(t *testing.T) {
	s, sent := newTestSender(t)
	record := &models.Transaction{
		Amount:    decimal.RequireFromString("25.5"),
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	from := models.CardView{MaskedPAN: "**** **** **** 1111", Balance: decimal.RequireFromString("74.5")}
	to := models.CardView{MaskedPAN: "**** **** **** 2222", Balance: decimal.RequireFromString("25.5")}

	require.NoError(t, s.TransferCompleted(owner, record, from, to))
	require.Len(t, *sent, 1)

	body := string((*sent)[0].Text)
	assert.Contains(t, body, "25.50 has been transferred from card **** **** **** 1111 to card **** **** **** 2222")
	assert.Contains(t, body, "2026-01-02 03:04:05")
	assert.Contains(t, body, "Balance of **** **** **** 1111: 74.50")
}

func TestDeliveryFailure(t *testing.T) {
	s, _ := newTestSender(t)
	s.send = func(*email.Email) error { return errors.New("connection refused") }

	err := s.CardBlocked(owner, models.CardView{MaskedPAN: "****"})
	assert.ErrorContains(t, err, "connection refused")
}
