package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/user/hivelink/internal/backend"
	"github.com/user/hivelink/internal/config"
	"github.com/user/hivelink/internal/contextpack"
	"github.com/user/hivelink/internal/notify"
	"github.com/user/hivelink/internal/reconcile"
	"github.com/user/hivelink/internal/state"
	"github.com/user/hivelink/internal/store"
	"github.com/user/hivelink/internal/types"
	"github.com/user/hivelink/internal/userinfo"
)

// app bundles the wired collaborators a command needs to run queries.
type app struct {
	cfg      *config.Config
	client   *backend.Client
	messages *store.Memory
	archive  *state.ArchiveStore
	engine   *reconcile.Engine
	packer   *contextpack.Packer
	users    *userinfo.Cache
	notify   *notify.Registry
}

// teeSink persists finalized messages to the backend and mirrors them into
// the local archive. The archive is best-effort; the backend save result is
// what the caller sees.
type teeSink struct {
	remote types.PersistenceSink
	local  *state.ArchiveStore
}

func (s *teeSink) SaveMessage(ctx context.Context, conversationID types.ConversationID, msg *types.TranscriptMessage) error {
	if err := s.local.SaveMessage(ctx, conversationID, msg); err != nil {
		slog.Warn("archive save failed", "conversation_id", conversationID, "error", err)
	}
	return s.remote.SaveMessage(ctx, conversationID, msg)
}

// newApp wires the client stack from config. status may be nil for commands
// that do not render a live indicator.
func newApp(cfg *config.Config, status types.StatusSink) (*app, error) {
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	client := backend.New(cfg.Backend.BaseURL, cfg.Backend.APIKey, time.Duration(cfg.Backend.TimeoutSeconds)*time.Second)
	messages := store.NewMemory()
	archive := state.NewArchiveStore(cfg.DataDir)

	packer, err := contextpack.New(cfg.Context.Model, cfg.Context.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("create context packer: %w", err)
	}

	notifyReg := notify.NewRegistry()
	if cfg.Telegram.Token != "" {
		notifier, err := notify.NewTelegram(cfg.Telegram.Token)
		if err != nil {
			return nil, fmt.Errorf("create telegram notifier: %w", err)
		}
		notifyReg.Register("telegram:", notifier.Handler())
		slog.Info("telegram notifications enabled")
	}

	a := &app{
		cfg:      cfg,
		client:   client,
		messages: messages,
		archive:  archive,
		packer:   packer,
		users:    userinfo.New(client.FetchUserInfo),
		notify:   notifyReg,
	}

	opts := []reconcile.Option{
		reconcile.WithPollInterval(time.Duration(cfg.PollIntervalMS) * time.Millisecond),
		reconcile.WithGraceDelay(time.Duration(cfg.GraceDelayMS) * time.Millisecond),
	}
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		target := fmt.Sprintf("telegram:%d", cfg.Telegram.ChatID)
		opts = append(opts, reconcile.WithOnFinal(func(conversationID types.ConversationID, content string) {
			if err := notifyReg.Deliver(target, content); err != nil {
				slog.Warn("completion notification failed", "error", err)
			}
		}))
	}

	sink := &teeSink{remote: client, local: archive}
	a.engine = reconcile.New(client, messages, sink, status, opts...)
	return a, nil
}

// ask sends one query with recent history as extra context.
func (a *app) ask(ctx context.Context, conversationID types.ConversationID, text string, attachments []types.Attachment) (types.QueryID, error) {
	extra := a.packer.Build(a.messages.Messages(conversationID))
	return a.engine.StartQuery(ctx, conversationID, text, attachments, extra)
}

func (a *app) taskStorePath() string {
	return filepath.Join(a.cfg.DataDir, "tasks.json")
}
