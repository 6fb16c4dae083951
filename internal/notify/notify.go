// Package notify hands user notifications to an external delivery channel.
// Rendering and transport belong to the Sender; this package only queues.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/tenantAuth/internal/async"
)

// Channel is the contact method.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPhone Channel = "phone"
)

// Template names the message the sender should render.
type Template string

const (
	TemplateVerificationCode   Template = "verification_code"
	TemplateVerificationLink   Template = "verification_link"
	TemplateAccountActivated   Template = "account_activated"
	TemplateAccountDeactivated Template = "account_deactivated"
	TemplatePasswordChanged    Template = "password_changed"
	TemplateTwoFactorChanged   Template = "two_factor_changed"
	TemplateAccountBlocked     Template = "account_blocked"
	TemplateAccountUnblocked   Template = "account_unblocked"
)

// Message is one notification. Data holds template variables such as the
// OTP code or link token; it must not be logged.
type Message struct {
	TenantID string
	UserID   string
	Channel  Channel
	Address  string
	Template Template
	Data     map[string]string
}

// Sender delivers a message. Implementations are supplied by the host.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// NoopSender accepts and discards every message.
type NoopSender struct{}

func (NoopSender) Send(context.Context, Message) error { return nil }

// LogSender logs the template and recipient without the payload. It is meant
// for development setups without a mail or SMS gateway.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log.Named("notify")}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.log.Info("notification",
		zap.String("template", string(msg.Template)),
		zap.String("channel", string(msg.Channel)),
		zap.String("tenant", msg.TenantID),
		zap.String("user", msg.UserID),
	)
	return nil
}

// Config controls the delivery queue.
type Config struct {
	BufferSize int
	Workers    int
	Timeout    time.Duration
}

// Dispatcher queues messages for a Sender.
type Dispatcher struct {
	queue *async.Queue[Message]
}

func NewDispatcher(cfg Config, sender Sender, log *zap.Logger) *Dispatcher {
	if sender == nil {
		sender = NoopSender{}
	}
	return &Dispatcher{
		queue: async.New[Message](async.Config{
			Name:       "notify",
			BufferSize: cfg.BufferSize,
			Workers:    cfg.Workers,
			DropIfFull: true,
			Timeout:    cfg.Timeout,
		}, sender.Send, log),
	}
}

// Enqueue reports whether the message was handed to the delivery queue.
// Delivery itself is not awaited.
func (d *Dispatcher) Enqueue(ctx context.Context, msg Message) bool {
	if d == nil || msg.Address == "" {
		return false
	}
	return d.queue.Submit(ctx, msg)
}

func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.queue.Close()
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.queue.Dropped()
}
