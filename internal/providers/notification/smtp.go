package notification

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/smallbiznis/servana/internal/hostedsession/domain"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

type SMTPGateway struct {
	cfg Config
}

func NewSMTP(cfg Config) *SMTPGateway {
	return &SMTPGateway{cfg: cfg}
}

func (g *SMTPGateway) DispatchRecoveryNotice(ctx context.Context, session *domain.HostedCheckoutSession, attempt int) (bool, error) {
	if session == nil {
		return false, nil
	}

	auth := smtp.PlainAuth("", g.cfg.Username, g.cfg.Password, g.cfg.Host)
	addr := fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port)

	subject := fmt.Sprintf("Checkout session %s needs attention (attempt %d)", session.ID, attempt)
	body := fmt.Sprintf(
		"Hosted checkout session %s for invoice %s is still %s after %d recovery attempts.\r\n"+
			"Resume link: %s\r\n",
		session.ID, session.InvoiceID, session.Status, attempt, session.SessionURL,
	)
	msg := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\n\r\n%s", g.cfg.To, subject, body))

	if err := smtp.SendMail(addr, auth, g.cfg.From, []string{g.cfg.To}, msg); err != nil {
		return false, err
	}
	return true, nil
}
