package email

import (
	"fmt"
	"net/smtp"

	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-ledger/internal/config"
	"github.com/Dan9191/card-ledger/internal/models"
)

// Sender handles sending emails via SMTP
type Sender struct {
	cfg    *config.Config
	logger *logrus.Logger
	send   func(e *email.Email) error
}

// NewSender creates a new email sender
func NewSender(cfg *config.Config, logger *logrus.Logger) *Sender {
	s := &Sender{
		cfg:    cfg,
		logger: logger,
	}
	s.send = s.sendSMTP
	return s
}

func (s *Sender) sendSMTP(e *email.Email) error {
	addr := fmt.Sprintf("%s:%s", s.cfg.SMTPHost, s.cfg.SMTPPort)
	var auth smtp.Auth
	if s.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}
	return e.Send(addr, auth)
}

// CardBlocked tells the owner that one of their cards was blocked
func (s *Sender) CardBlocked(owner *models.User, card models.CardView) error {
	e := email.NewEmail()
	e.From = s.cfg.SenderEmail
	e.To = []string{owner.Email}
	e.Subject = "Card Blocked"

	body := fmt.Sprintf("Dear %s,\n\n", owner.Username)
	body += fmt.Sprintf(
		"Your card %s has been blocked.\n"+
			"Transfers from and to this card are refused until it is activated again.\n"+
			"If you did not expect this, please contact the bank.\n",
		card.MaskedPAN,
	)
	body += "\nBest regards,\nBank Service"
	e.Text = []byte(body)

	return s.deliver(e, owner.Email)
}

// TransferCompleted sends a notification email for a transfer between the owner's cards
func (s *Sender) TransferCompleted(owner *models.User, record *models.Transaction, from, to models.CardView) error {
	e := email.NewEmail()
	e.From = s.cfg.SenderEmail
	e.To = []string{owner.Email}
	e.Subject = "Transfer Notification"

	body := fmt.Sprintf("Dear %s,\n\n", owner.Username)
	body += fmt.Sprintf(
		"%s has been transferred from card %s to card %s.\n"+
			"Transaction time: %s\n"+
			"Balance of %s: %s\n"+
			"Balance of %s: %s\n",
		record.Amount.StringFixed(2), from.MaskedPAN, to.MaskedPAN,
		record.Timestamp.Format("2006-01-02 15:04:05"),
		from.MaskedPAN, from.Balance.StringFixed(2),
		to.MaskedPAN, to.Balance.StringFixed(2),
	)
	body += "\nBest regards,\nBank Service"
	e.Text = []byte(body)

	return s.deliver(e, owner.Email)
}

func (s *Sender) deliver(e *email.Email, to string) error {
	if err := s.send(e); err != nil {
		s.logger.Errorf("Failed to send email to %s: %v", to, err)
		return fmt.Errorf("failed to send email: %w", err)
	}
	s.logger.Infof("Email sent to %s: %s", to, e.Subject)
	return nil
}
