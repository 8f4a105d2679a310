package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/convpipe/internal/bank"
	"github.com/user/convpipe/internal/config"
	"github.com/user/convpipe/internal/state"
	"github.com/user/convpipe/internal/state/sqlite"
	"github.com/user/convpipe/internal/types"
	"github.com/user/convpipe/pkg/llm/anthropic"
	"github.com/user/convpipe/pkg/llm/openai"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir(), MaxConcurrent: 2}
	cfg.Storage.Backend = config.BackendJSONL
	cfg.LLM.Provider = "openai"
	cfg.LLM.MaxTokens = 1000
	cfg.LLM.MaxContextTokens = 16000
	cfg.LLM.OutputReserve = 1000
	return cfg
}

func TestOpenEventLog_Backends(t *testing.T) {
	cfg := testConfig(t)
	events, closeFn, err := openEventLog(cfg)
	require.NoError(t, err)
	assert.IsType(t, &state.RecordLog{}, events)
	require.NoError(t, closeFn())

	cfg.Storage.Backend = config.BackendSQLite
	events, closeFn, err = openEventLog(cfg)
	require.NoError(t, err)
	defer closeFn()
	require.IsType(t, &sqlite.Store{}, events)
	version, dirty, err := events.(*sqlite.Store).MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	rec := &types.Record{ConversationID: "c1", Role: types.RoleUser, Payload: "hi"}
	require.NoError(t, events.Append(context.Background(), rec))
	assert.Positive(t, rec.Sequence)

	cfg.Storage.Backend = "postgres"
	_, _, err = openEventLog(cfg)
	assert.Error(t, err)
}

func TestNewProvider(t *testing.T) {
	cfg := testConfig(t)
	p, err := newProvider(cfg)
	require.NoError(t, err)
	assert.IsType(t, &openai.Client{}, p)

	cfg.LLM.Provider = "anthropic"
	p, err = newProvider(cfg)
	require.NoError(t, err)
	assert.IsType(t, &anthropic.Client{}, p)

	cfg.LLM.Provider = "mystery"
	_, err = newProvider(cfg)
	assert.Error(t, err)
}

func TestNewBankClient(t *testing.T) {
	cfg := testConfig(t)
	assert.IsType(t, bank.Static{}, newBankClient(cfg))

	cfg.Bank.APIURL = "http://bank.local/query"
	assert.IsType(t, &bank.HTTPClient{}, newBankClient(cfg))
}

func TestRetryPolicyFromConfig(t *testing.T) {
	cfg := testConfig(t)
	p := retryPolicy(cfg)
	assert.Equal(t, 3, p.MaxAttempts)

	cfg.Retry.MaxAttempts = 5
	cfg.Retry.InitialDelayMS = 10
	cfg.Retry.MaxDelayMS = 200
	p = retryPolicy(cfg)
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, p.InitialDelay)
	assert.Equal(t, 200*time.Millisecond, p.MaxDelay)
}
