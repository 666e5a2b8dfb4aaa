// ABOUTME: Forwards selected gateway events to external services via shoutrrr.
// ABOUTME: Alert toggles decide which event families produce a message.

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/broadcast"
	"github.com/2389/fleet-gateway/internal/transfer"
)

const resubscribeDelay = 250 * time.Millisecond

// Sender delivers one message to one service URL.
type Sender interface {
	Send(url, message string) error
}

// ShoutrrrSender sends through shoutrrr's URL-addressed services.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// Alerts selects which event families are forwarded.
type Alerts struct {
	ClientConnect    bool `json:"client_connect"`
	ClientDisconnect bool `json:"client_disconnect"`
	FileTransfer     bool `json:"file_transfer"`
	Error            bool `json:"error"`
}

// Source is the subscription side of the broadcaster.
type Source interface {
	Subscribe(ctx context.Context) (<-chan broadcast.Event, string)
}

// Notifier relays broadcaster events to every configured URL.
type Notifier struct {
	urls   []string
	sender Sender

	mu     sync.RWMutex
	alerts Alerts

	logger *slog.Logger
}

// New creates a notifier. A nil sender uses shoutrrr.
func New(urls []string, alerts Alerts, sender Sender, logger *slog.Logger) *Notifier {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		urls:   append([]string(nil), urls...),
		sender: sender,
		alerts: alerts,
		logger: logger.With("component", "notify"),
	}
}

// Alerts returns the current toggles.
func (n *Notifier) Alerts() Alerts {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.alerts
}

// SetAlerts replaces the toggles.
func (n *Notifier) SetAlerts(a Alerts) {
	n.mu.Lock()
	n.alerts = a
	n.mu.Unlock()
	n.logger.Info("alert settings updated",
		"client_connect", a.ClientConnect,
		"client_disconnect", a.ClientDisconnect,
		"file_transfer", a.FileTransfer,
		"error", a.Error)
}

// Run relays events until ctx ends. When the broadcaster drops the
// subscription for falling behind, Run subscribes again.
func (n *Notifier) Run(ctx context.Context, src Source) {
	if len(n.urls) == 0 {
		n.logger.Debug("no notification urls configured")
		<-ctx.Done()
		return
	}
	for ctx.Err() == nil {
		ch, subID := src.Subscribe(ctx)
		n.logger.Debug("subscribed to events", "sub_id", subID)
		for ev := range ch {
			n.Handle(ev)
		}
		if ctx.Err() != nil {
			return
		}
		n.logger.Warn("event subscription dropped, resubscribing", "sub_id", subID)
		select {
		case <-ctx.Done():
		case <-time.After(resubscribeDelay):
		}
	}
}

// Handle sends the message for ev, if its family is enabled.
func (n *Notifier) Handle(ev broadcast.Event) {
	msg, ok := n.message(ev)
	if !ok {
		return
	}
	if err := n.send(msg); err != nil {
		n.logger.Warn("notification failed", "event_type", ev.Type, "error", err)
	}
}

func (n *Notifier) send(msg string) error {
	var errs []error
	for _, url := range n.urls {
		if err := n.sender.Send(url, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) message(ev broadcast.Event) (string, bool) {
	a := n.Alerts()
	switch ev.Type {
	case broadcast.ClientConnected:
		info, ok := ev.Data.(agent.Info)
		if !a.ClientConnect || !ok {
			return "", false
		}
		return fmt.Sprintf("Agent connected: %s@%s (%s, %s) via %s",
			info.Username, info.Hostname, info.IPAddress, info.OS, info.Listener), true

	case broadcast.ClientDisconnected:
		info, ok := ev.Data.(agent.Info)
		if !a.ClientDisconnect || !ok {
			return "", false
		}
		return fmt.Sprintf("Agent disconnected: %s@%s (%s)", info.Username, info.Hostname, info.ID), true

	case broadcast.FileReceived, broadcast.FileUploaded:
		fe, ok := ev.Data.(transfer.FileEvent)
		if !a.FileTransfer || !ok {
			return "", false
		}
		verb := "downloaded from"
		if ev.Type == broadcast.FileUploaded {
			verb = "uploaded to"
		}
		return fmt.Sprintf("File %s %s: %s (%d bytes)", verb, fe.ClientID, fe.FilePath, fe.Size), true

	case broadcast.TransferFailed:
		fe, ok := ev.Data.(transfer.FileEvent)
		if !ok || !(a.FileTransfer || a.Error) {
			return "", false
		}
		return fmt.Sprintf("Transfer failed on %s: %s: %s", fe.ClientID, fe.FilePath, fe.Error), true

	case broadcast.Error:
		ed, ok := ev.Data.(broadcast.ErrorData)
		if !a.Error || !ok {
			return "", false
		}
		if ed.ClientID != "" {
			return fmt.Sprintf("Gateway error (%s): %s", ed.ClientID, ed.Message), true
		}
		return "Gateway error: " + ed.Message, true
	}
	return "", false
}
