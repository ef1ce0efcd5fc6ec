package app

import (
	"context"
	"sync"

	"bilirelay/internal/telegram"
)

// alertSender is the logx.Sender handed to the logging service. The
// underlying Telegram sender is rebuilt when its target changes on reload.
type alertSender struct {
	mu  sync.RWMutex
	cfg telegram.Config
	s   *telegram.Sender
}

// apply rebuilds the sender when cfg differs from the current target.
// An empty token clears it.
func (a *alertSender) apply(cfg telegram.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.s != nil && cfg == a.cfg {
		return nil
	}
	a.cfg = cfg
	a.s = nil
	if cfg.Token == "" {
		return nil
	}
	s, err := telegram.New(cfg)
	if err != nil {
		return err
	}
	a.s = s
	return nil
}

func (a *alertSender) SendAlert(ctx context.Context, text string) error {
	a.mu.RLock()
	s := a.s
	a.mu.RUnlock()
	if s == nil {
		return nil
	}
	return s.SendAlert(ctx, text)
}
