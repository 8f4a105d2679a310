package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/user/convpipe/internal/bank"
	"github.com/user/convpipe/internal/config"
	ctxengine "github.com/user/convpipe/internal/context"
	"github.com/user/convpipe/internal/gateway"
	"github.com/user/convpipe/internal/stage"
	"github.com/user/convpipe/internal/state"
	"github.com/user/convpipe/internal/state/sqlite"
	"github.com/user/convpipe/internal/types"
	"github.com/user/convpipe/pkg/llm"
	"github.com/user/convpipe/pkg/llm/anthropic"
	"github.com/user/convpipe/pkg/llm/openai"
)

// app is the wired pipeline shared by the commands.
type app struct {
	cfg         *config.Config
	events      types.EventLog
	coordinator *gateway.Coordinator
	bindings    *state.BindingStore
	closers     []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

// openEventLog opens the configured storage backend.
func openEventLog(cfg *config.Config) (types.EventLog, func() error, error) {
	switch cfg.Storage.Backend {
	case "", config.BackendJSONL:
		return state.NewRecordLog(cfg.DataDir), func() error { return nil }, nil
	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.SQLitePath())
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func newProvider(cfg *config.Config) (llm.Provider, error) {
	lc := &llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLMTimeout(),
	}
	switch cfg.LLM.Provider {
	case "", "openai":
		return openai.New(lc), nil
	case "anthropic":
		if lc.BaseURL == "" || lc.BaseURL == "https://api.openai.com/v1" {
			lc.BaseURL = anthropic.DefaultBaseURL
		}
		return anthropic.New(lc), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

func newEngine(cfg *config.Config) *ctxengine.Engine {
	// tiktoken has no encodings for Anthropic models.
	if cfg.LLM.Provider == "anthropic" {
		return ctxengine.NewEstimating(cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	}
	return ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
}

func newBankClient(cfg *config.Config) bank.Client {
	if cfg.Bank.APIURL == "" {
		slog.Warn("bank.api_url not set, using placeholder account data")
		return bank.Static{}
	}
	return bank.NewHTTPClient(cfg.Bank.APIURL, cfg.Bank.APIKey, cfg.BankTimeout())
}

func retryPolicy(cfg *config.Config) *gateway.RetryPolicy {
	p := gateway.DefaultRetryPolicy()
	if cfg.Retry.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialDelayMS > 0 {
		p.InitialDelay = time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond
	}
	if cfg.Retry.MaxDelayMS > 0 {
		p.MaxDelay = time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond
	}
	return p
}

// newApp wires storage, collaborators, stages and the coordinator, and
// starts the coordinator under ctx.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	events, closeEvents, err := openEventLog(cfg)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	a := &app{
		cfg:      cfg,
		events:   events,
		bindings: state.NewBindingStore(cfg.DataDir),
		closers:  []func() error{closeEvents},
	}

	provider, err := newProvider(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	prompt := cfg.LLM.SystemPrompt
	if prompt == "" {
		prompt = ctxengine.DefaultPrompt
	}
	infer, err := stage.NewInfer(events, provider, newEngine(cfg), stage.InferConfig{
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  cfg.LLM.Temperature,
		SystemPrompt: prompt,
		Timeout:      cfg.LLMTimeout(),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("system prompt: %w", err)
	}

	a.coordinator = gateway.New(events, gateway.Stages{
		Ingest:    stage.NewIngest(events),
		Infer:     infer,
		Integrate: stage.NewIntegrate(events, newBankClient(cfg), cfg.BankTimeout()),
		Format:    stage.NewFormat(events),
	}, int64(cfg.MaxConcurrent))
	a.coordinator.SetRetryPolicy(retryPolicy(cfg))
	a.coordinator.Start(ctx)
	a.closers = append(a.closers, func() error {
		a.coordinator.Stop()
		return nil
	})
	return a, nil
}

// submitToChannel resolves the channel's conversation and submits message
// into it, waiting for the turn to finish.
func (a *app) submitToChannel(ctx context.Context, key types.ChannelKey, message string) (*gateway.Result, error) {
	id, err := a.bindings.ResolveOrCreate(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %s: %w", key, err)
	}
	return a.coordinator.Submit(ctx, &types.InboundMessage{
		Source:         "task",
		ConversationID: id,
		Text:           message,
	})
}
