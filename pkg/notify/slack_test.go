package notify

import (
	"context"
	"errors"
	"testing"
)

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) Send(ctx context.Context, message string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, message)
	return nil
}

func TestRegistryNotify_DispatchesToRegisteredKind(t *testing.T) {
	slack := &fakeSender{}
	r := NewRegistry(nil)
	r.Register("slack", slack)

	r.Notify(context.Background(), []string{"slack"}, "orchestration completed")

	if len(slack.sent) != 1 || slack.sent[0] != "orchestration completed" {
		t.Fatalf("sent = %v, want one message", slack.sent)
	}
}

func TestRegistryNotify_ChannelWithTargetSuffix(t *testing.T) {
	slack := &fakeSender{}
	r := NewRegistry(nil)
	r.Register("slack", slack)

	r.Notify(context.Background(), []string{"slack:oncall"}, "orchestration failed")

	if len(slack.sent) != 1 {
		t.Fatalf("sent = %v, want the suffix stripped and delivered to the slack sender", slack.sent)
	}
}

func TestRegistryNotify_UnregisteredChannelSkipped(t *testing.T) {
	r := NewRegistry(nil)
	// No senders registered at all; must not panic and must not error out.
	r.Notify(context.Background(), []string{"pagerduty"}, "orchestration completed")
}

func TestRegistryNotify_SendErrorDoesNotPropagate(t *testing.T) {
	failing := &fakeSender{err: errors.New("rate limited")}
	r := NewRegistry(nil)
	r.Register("slack", failing)

	// Must not panic; Notify has no error return by design.
	r.Notify(context.Background(), []string{"slack", "slack:oncall"}, "orchestration failed")
}

func TestRegistryNotify_MultipleChannelsFanOut(t *testing.T) {
	slack := &fakeSender{}
	pager := &fakeSender{}
	r := NewRegistry(nil)
	r.Register("slack", slack)
	r.Register("pager", pager)

	r.Notify(context.Background(), []string{"slack", "pager:primary"}, "deploy done")

	if len(slack.sent) != 1 {
		t.Errorf("slack sent = %d messages, want 1", len(slack.sent))
	}
	if len(pager.sent) != 1 {
		t.Errorf("pager sent = %d messages, want 1", len(pager.sent))
	}
}

func TestSlackSender_DisabledWithoutBotToken(t *testing.T) {
	s := NewSlackSender("", "#alerts", nil)
	if s.Enabled() {
		t.Fatal("Enabled() = true with empty bot token, want false")
	}
	if err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send() on disabled sender returned error: %v", err)
	}
}

func TestSlackSender_DisabledWithoutChannel(t *testing.T) {
	s := NewSlackSender("xoxb-test", "", nil)
	if s.Enabled() {
		t.Fatal("Enabled() = true with empty channel, want false")
	}
}
