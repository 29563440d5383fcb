package announcer

import (
	"context"
	"strconv"
	"strings"

	"github.com/gempir/go-twitch-irc/v4"

	"github.com/john/pressme-overlay/internal/donation"
	"github.com/john/pressme-overlay/internal/logging"
)

// DefaultTemplate is used when no template is configured
const DefaultTemplate = "{username} donated {amount} SOL ({type})"

// Chat is the part of the Twitch IRC client the announcer uses
type Chat interface {
	Join(channels ...string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
}

// Config configures an Announcer
type Config struct {
	Username string
	OAuth    string
	Channels []string
	Template string // Placeholders: {username} {amount} {type} {text}
	Logger   logging.Logger
}

// Announcer posts a chat line to every configured channel when a donation
// starts playing on the overlay
type Announcer struct {
	chat     Chat
	channels []string
	template string
	log      logging.Entry
}

// New creates an announcer backed by a Twitch IRC client
func New(cfg Config) *Announcer {
	client := twitch.NewClient(cfg.Username, cfg.OAuth)
	a := NewWithChat(client, cfg)
	client.OnConnect(func() {
		a.log.Info("Connected to Twitch IRC")
	})
	client.OnReconnectMessage(func(twitch.ReconnectMessage) {
		a.log.Info("Reconnecting to Twitch IRC...")
	})
	return a
}

// NewWithChat creates an announcer around an existing chat client
func NewWithChat(chat Chat, cfg Config) *Announcer {
	if cfg.Template == "" {
		cfg.Template = DefaultTemplate
	}
	return &Announcer{
		chat:     chat,
		channels: cfg.Channels,
		template: cfg.Template,
		log:      logging.Component(cfg.Logger, "announcer"),
	}
}

// Start connects to chat and announces every donation received on played
// until ctx is done
func (a *Announcer) Start(ctx context.Context, played <-chan donation.Queued) error {
	for _, channel := range a.channels {
		a.chat.Join(channel)
		a.log.WithField("channel", channel).Info("Joined channel")
	}

	go func() {
		if err := a.chat.Connect(); err != nil && ctx.Err() == nil {
			a.log.WithError(err).Error("Twitch IRC connection error")
		}
	}()

	for {
		select {
		case d := <-played:
			a.Announce(d)
		case <-ctx.Done():
			a.log.Info("Disconnecting from Twitch IRC...")
			if err := a.chat.Disconnect(); err != nil {
				a.log.WithError(err).Debug("Disconnect failed")
			}
			return ctx.Err()
		}
	}
}

// Announce says the formatted donation in every channel
func (a *Announcer) Announce(d donation.Queued) {
	line := Format(a.template, d)
	for _, channel := range a.channels {
		a.chat.Say(channel, line)
	}
	a.log.WithField("donation", d.ID).Debug("Announced donation")
}

// Format renders a chat line for d
func Format(template string, d donation.Queued) string {
	r := strings.NewReplacer(
		"{username}", d.Username,
		"{amount}", strconv.FormatFloat(d.Amount, 'f', -1, 64),
		"{type}", string(d.Type),
		"{text}", d.Text,
	)
	// Chat lines are single-line
	return strings.Join(strings.Fields(r.Replace(template)), " ")
}
