// Package notify sends orchestration outcome notifications to external
// channels. A profile names its channels by a short string ("slack"); the
// mapping from name to concrete sender lives in the Registry.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	goslack "github.com/slack-go/slack"
)

// Sender delivers a single notification message to one channel kind.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// SlackSender posts orchestration notifications to a fixed Slack channel.
type SlackSender struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackSender builds a SlackSender. If botToken is empty, Send is a noop
// that only logs, mirroring how the rest of the codebase treats optional
// integrations.
func NewSlackSender(botToken, channel string, logger *slog.Logger) *SlackSender {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackSender{client: client, channel: channel, logger: logger}
}

// Enabled reports whether the sender has a usable Slack client.
func (s *SlackSender) Enabled() bool {
	return s.client != nil && s.channel != ""
}

func (s *SlackSender) Send(ctx context.Context, message string) error {
	if !s.Enabled() {
		s.logger.Debug("slack notify disabled, skipping", "message", message)
		return nil
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel, goslack.MsgOptionText(message, false))
	if err != nil {
		return fmt.Errorf("posting orchestration notification to slack: %w", err)
	}
	return nil
}

// Registry dispatches by channel name to a registered Sender. An
// orchestration profile's notifications list names channels found here;
// names with no registered Sender are silently skipped.
type Registry struct {
	senders map[string]Sender
	logger  *slog.Logger
}

// NewRegistry builds an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{senders: make(map[string]Sender), logger: logger}
}

// Register associates a channel name with a Sender.
func (r *Registry) Register(name string, s Sender) {
	r.senders[name] = s
}

// Notify sends message to every named channel, logging (not failing) any
// individual send error — a notification failure must never affect the
// orchestration run it reports on. A channel may carry a target suffix
// ("slack:oncall"); only the part before ":" selects the registered
// Sender, since a profile author names an audience, not a transport.
func (r *Registry) Notify(ctx context.Context, channels []string, message string) {
	for _, name := range channels {
		kind := name
		if i := strings.IndexByte(name, ':'); i >= 0 {
			kind = name[:i]
		}
		s, ok := r.senders[kind]
		if !ok {
			continue
		}
		if err := s.Send(ctx, message); err != nil {
			r.logger.Error("sending orchestration notification", "channel", name, "error", err)
		}
	}
}
