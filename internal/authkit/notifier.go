package authkit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var errSMTPMissingHost = errors.New("notifier.smtp.missing_host")

// Notifier delivers a verification code to a destination out of band.
type Notifier interface {
	Send(ctx context.Context, destination string, code string) error
}

// SMTPConfig configures SMTPNotifier.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPNotifier sends verification codes by email.
type SMTPNotifier struct {
	configuration SMTPConfig
	sendMail      func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPNotifier validates configuration and returns a mail notifier.
func NewSMTPNotifier(configuration SMTPConfig) (*SMTPNotifier, error) {
	if strings.TrimSpace(configuration.Host) == "" {
		return nil, fmt.Errorf("notifier.smtp.new: %w", errSMTPMissingHost)
	}
	if configuration.Port == 0 {
		configuration.Port = 587
	}
	if strings.TrimSpace(configuration.From) == "" {
		configuration.From = configuration.Username
	}
	return &SMTPNotifier{configuration: configuration, sendMail: smtp.SendMail}, nil
}

// Send mails code to destination.
func (notifier *SMTPNotifier) Send(ctx context.Context, destination string, code string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("notifier.smtp.send: %w", err)
	}
	address := net.JoinHostPort(notifier.configuration.Host, strconv.Itoa(notifier.configuration.Port))
	var auth smtp.Auth
	if notifier.configuration.Username != "" {
		auth = smtp.PlainAuth("", notifier.configuration.Username, notifier.configuration.Password, notifier.configuration.Host)
	}
	if err := notifier.sendMail(address, auth, notifier.configuration.From, []string{destination}, verificationMessage(notifier.configuration.From, destination, code)); err != nil {
		return fmt.Errorf("notifier.smtp.send: %w", err)
	}
	return nil
}

func verificationMessage(from string, destination string, code string) []byte {
	var builder strings.Builder
	builder.WriteString("From: " + from + "\r\n")
	builder.WriteString("To: " + destination + "\r\n")
	builder.WriteString("Subject: Verification code\r\n")
	builder.WriteString("MIME-Version: 1.0\r\n")
	builder.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	builder.WriteString("Your verification code is " + code + ".\r\n")
	return []byte(builder.String())
}

// LogNotifier records that a code was issued without delivering it. Used when SMTP is not configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Send logs the destination only.
func (notifier *LogNotifier) Send(ctx context.Context, destination string, code string) error {
	notifier.logger.Info("verification code issued", zap.String("destination", destination))
	return nil
}
