package notification

import (
	"context"
	"fmt"
	"net/smtp"
)

// SMTPSender доставляет уведомления по SMTP без аутентификации
// (релей во внутренней сети).
type SMTPSender struct {
	addr string
	from string
	// resolveEmail возвращает адрес получателя по идентификатору пользователя.
	resolveEmail func(ctx context.Context, userID int64) (string, error)
}

// NewSMTPSender создаёт отправитель уведомлений через SMTP-релей addr.
func NewSMTPSender(addr, from string, resolveEmail func(ctx context.Context, userID int64) (string, error)) *SMTPSender {
	return &SMTPSender{addr: addr, from: from, resolveEmail: resolveEmail}
}

// Send отправляет письмо по событию.
func (s *SMTPSender) Send(ctx context.Context, ev Event) error {
	to, err := s.resolveEmail(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		s.from, to, ev.Subject(), ev.Body())

	if err := smtp.SendMail(s.addr, nil, s.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}
