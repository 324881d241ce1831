// Package email delivers alert messages through Postmark.
package email

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/mail"
	"strings"

	"github.com/mrz1836/postmark"
	"go.uber.org/zap"

	"github.com/technosupport/vms-alerts/internal/dispatch"
)

var (
	ErrInvalidConfig  = errors.New("invalid email config")
	ErrInvalidAddress = errors.New("invalid email address")
	ErrSendFailed     = errors.New("failed to send email")
)

// Postmark API error codes that will not succeed on retry.
var permanentCodes = map[int64]bool{
	300: true, // invalid email request
	406: true, // inactive recipient
	422: true, // invalid JSON
}

type Config struct {
	ServerToken  string
	AccountToken string
	From         string
	ReplyTo      string
	Tag          string
}

type api interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

type PostmarkSender struct {
	client api
	cfg    Config
}

func NewPostmarkSender(cfg Config) (*PostmarkSender, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("%w: server token is required", ErrInvalidConfig)
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("%w: from address: %v", ErrInvalidConfig, err)
	}
	if cfg.Tag == "" {
		cfg.Tag = "detection-alert"
	}
	return &PostmarkSender{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		cfg:    cfg,
	}, nil
}

// SendEmail implements dispatch.EmailTransport.
func (s *PostmarkSender) SendEmail(ctx context.Context, address string, msg dispatch.Message) error {
	if err := ValidateAddress(address); err != nil {
		return dispatch.Permanent(err)
	}

	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:     s.cfg.From,
		ReplyTo:  s.cfg.ReplyTo,
		To:       address,
		Subject:  msg.Subject,
		Tag:      s.cfg.Tag,
		TextBody: msg.Text,
		HTMLBody: "<p>" + html.EscapeString(msg.Text) + "</p>",
		Headers: []postmark.Header{
			{Name: "X-Alert-ID", Value: msg.AlertID},
			{Name: "X-Alert-Severity", Value: msg.Severity.String()},
		},
	})
	if err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	if resp.ErrorCode > 0 {
		perr := errors.Join(ErrSendFailed, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
		if permanentCodes[int64(resp.ErrorCode)] {
			return dispatch.Permanent(perr)
		}
		return perr
	}
	return nil
}

func ValidateAddress(address string) error {
	a, err := mail.ParseAddress(address)
	if err != nil || !strings.EqualFold(a.Address, strings.TrimSpace(address)) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return nil
}

// LogSender stands in for Postmark when no server token is configured.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSender{log: log}
}

func (s *LogSender) SendEmail(_ context.Context, address string, msg dispatch.Message) error {
	if err := ValidateAddress(address); err != nil {
		return dispatch.Permanent(err)
	}
	s.log.Info("email (not sent)",
		zap.String("to", address),
		zap.String("subject", msg.Subject),
		zap.String("alert_id", msg.AlertID),
	)
	return nil
}
