// Package notifier pushes a short Telegram message whenever a
// reconciliation tick changed something or failed. It rides the state
// store's subscription channel, so a slow or down Telegram API can
// never stall the update path.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"cddns/internal/config"
	"cddns/internal/ddns"
	"cddns/internal/state"
	"cddns/pkg/logx"
)

type Notifier struct {
	send   func(text string) error
	snaps  <-chan state.Snapshot
	cancel func()
	log    logx.Logger
	done   chan struct{}
}

// New builds a Telegram notifier from config. The bot handle is
// send-only; no poller is started.
func New(cfg config.TelegramNotifyConfig, store *state.Store, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	chat := tele.ChatID(cfg.ChatID)
	send := func(text string) error {
		_, err := bot.Send(chat, text)
		return err
	}
	return newWithSender(send, store, log), nil
}

func newWithSender(send func(string) error, store *state.Store, log logx.Logger) *Notifier {
	snaps, cancel := store.Subscribe(8)
	return &Notifier{
		send:   send,
		snaps:  snaps,
		cancel: cancel,
		log:    log,
		done:   make(chan struct{}),
	}
}

// Run consumes snapshots until ctx ends or Close is called.
func (n *Notifier) Run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-n.snaps:
			if !ok {
				return
			}
			text := FormatSnapshot(snap)
			if text == "" {
				continue
			}
			if err := n.send(text); err != nil {
				n.log.Warn("telegram notify failed", logx.Err(err))
			}
		}
	}
}

// Close unsubscribes from the store, which ends Run.
func (n *Notifier) Close() {
	n.cancel()
	<-n.done
}

// FormatSnapshot renders the notification body for one tick, or ""
// when nothing in it is worth a message (all records unchanged).
func FormatSnapshot(snap state.Snapshot) string {
	keys := make([]string, 0, len(snap.Records))
	for k := range snap.Records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var updated, failed []string
	for _, k := range keys {
		r := snap.Records[k]
		switch r.Action {
		case ddns.ActionUpdated:
			updated = append(updated, fmt.Sprintf("%s %s → %s", r.Name, r.Type, r.New))
		case ddns.ActionFailed:
			failed = append(failed, fmt.Sprintf("%s %s: %s", r.Name, r.Type, r.Error))
		}
	}
	if len(updated) == 0 && len(failed) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("cddns " + snap.LastTickFinished.Format(time.RFC3339) + "\n")
	if len(updated) > 0 {
		b.WriteString("updated:\n")
		for _, line := range updated {
			b.WriteString("  " + line + "\n")
		}
	}
	if len(failed) > 0 {
		b.WriteString("failed:\n")
		for _, line := range failed {
			b.WriteString("  " + line + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
