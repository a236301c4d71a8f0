package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/perimeter/pkg/types"
	"github.com/rs/zerolog"
)

// Channel is the transport a recipient is reached through
type Channel string

const (
	ChannelWebhook  Channel = "webhook"
	ChannelTelegram Channel = "telegram"
	ChannelSMTP     Channel = "smtp"
	ChannelRedis    Channel = "redis"
	ChannelLog      Channel = "log"
)

// PayloadVersion is bumped whenever Payload changes shape
const PayloadVersion = "1.0"

// Notifier delivers a rendered message to one recipient
type Notifier interface {
	Name() string
	Channel() Channel
	Notify(ctx context.Context, msg *Message) error
}

// Recipient configures one notification target
type Recipient struct {
	Name    string  `yaml:"name" json:"name"`
	Channel Channel `yaml:"channel" json:"channel"`

	// webhook
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// telegram
	BotToken string `yaml:"botToken,omitempty" json:"-"`
	ChatID   string `yaml:"chatId,omitempty" json:"chat_id,omitempty"`
	APIBase  string `yaml:"apiBase,omitempty" json:"api_base,omitempty"`

	// smtp
	Smarthost string   `yaml:"smarthost,omitempty" json:"smarthost,omitempty"`
	Hello     string   `yaml:"hello,omitempty" json:"hello,omitempty"`
	From      string   `yaml:"from,omitempty" json:"from,omitempty"`
	To        []string `yaml:"to,omitempty" json:"to,omitempty"`

	// redis
	Addr         string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Password     string `yaml:"password,omitempty" json:"-"`
	DB           int    `yaml:"db,omitempty" json:"db,omitempty"`
	RedisChannel string `yaml:"redisChannel,omitempty" json:"redis_channel,omitempty"`
}

// DisplayName is the label used in delivery errors and metrics
func (r Recipient) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return string(r.Channel)
}

// NewNotifier builds the notifier for a recipient, validating its settings
func NewNotifier(r Recipient, logger zerolog.Logger) (Notifier, error) {
	switch r.Channel {
	case ChannelWebhook:
		return NewWebhookNotifier(r)
	case ChannelTelegram:
		return NewTelegramNotifier(r)
	case ChannelSMTP:
		return NewSMTPNotifier(r, logger)
	case ChannelRedis:
		return NewRedisNotifier(r)
	case ChannelLog:
		return NewLogNotifier(r.DisplayName(), logger), nil
	default:
		return nil, fmt.Errorf("recipient %s: unknown channel %q", r.DisplayName(), r.Channel)
	}
}

// Payload is the JSON document posted to webhooks and published to redis
type Payload struct {
	Version string               `json:"_version"`
	EventID string               `json:"event_id"`
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	SentAt  time.Time            `json:"sent_at"`
	Event   *types.GeofenceEvent `json:"event"`
}

func marshalPayload(msg *Message) ([]byte, error) {
	payload := Payload{
		Version: PayloadVersion,
		EventID: msg.Event.ID,
		Title:   msg.Title,
		Body:    msg.Body,
		SentAt:  time.Now().UTC(),
		Event:   msg.Event,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// LogNotifier writes the message as a structured log line and never fails
type LogNotifier struct {
	name   string
	logger zerolog.Logger
}

// NewLogNotifier creates a log notifier
func NewLogNotifier(name string, logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{name: name, logger: logger}
}

func (n *LogNotifier) Name() string     { return n.name }
func (n *LogNotifier) Channel() Channel { return ChannelLog }

func (n *LogNotifier) Notify(ctx context.Context, msg *Message) error {
	n.logger.Info().
		Str("recipient", n.name).
		Str("event_id", msg.Event.ID).
		Str("user_id", msg.Event.UserID).
		Str("geofence_code", msg.Event.GeofenceCode).
		Str("event_type", string(msg.Event.EventType)).
		Str("title", msg.Title).
		Msg(msg.Body)
	return nil
}
