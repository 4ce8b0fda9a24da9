package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "groupkeeper/pkg/logx"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("GROUPKEEPER_TELEGRAM_TOKEN", "from-env")
	t.Setenv("GROUPKEEPER_STORAGE_PATH", "/tmp/gk.db")
	p := writeFile(t, "config.yaml", `
telegram:
  token: from-file
  owner_user_ids: [42]
scheduler:
  timezone: UTC
deletion:
  type_timeouts:
    error: 30s
`)
	cfg, err := NewManager(p).Parse()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
	assert.Equal(t, []int64{42}, cfg.Telegram.OwnerUserIDs)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "/tmp/gk.db", cfg.Storage.Path)
	assert.Equal(t, "30s", cfg.Deletion.TypeTimeouts["error"])
	assert.True(t, cfg.Recovery.IsEnabled())
	require.NoError(t, Validate(context.Background(), cfg))
}

func TestParseRejectsUnknownFields(t *testing.T) {
	p := writeFile(t, "config.json", `{"telegram":{"token":"x"},"plugins":{}}`)
	_, err := NewManager(p).Parse()
	require.Error(t, err)
}

func TestValidateReportsBadDurations(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Telegram: TelegramConfig{Token: "x"},
		Drift:    DriftConfig{CoarseThreshold: "soon"},
		Deletion: DeletionConfig{TypeTimeouts: map[string]string{"error": "-1s"}},
	}
	err := Validate(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drift.coarse_threshold")
	assert.Contains(t, err.Error(), "deletion.type_timeouts.error")
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
	d, err = ParseDurationOrDefault("x", "90s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
	d, err = ParseDurationField("recovery.max_window", " 7d ")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, d)

	for _, raw := range []string{"1.5d", "d", "-2d", "-1s", "soon"} {
		_, err := ParseDurationField("cache.ttl", raw)
		require.Error(t, err, raw)
		assert.Contains(t, err.Error(), "cache.ttl", raw)
	}
}

func TestParseRejectsMalformedFiles(t *testing.T) {
	cases := []struct {
		name, file, body, want string
	}{
		{"two yaml documents", "config.yaml", "telegram:\n  token: a\n---\ntelegram:\n  token: b\n", "more than one document"},
		{"non-string yaml key", "config.yml", "deletion:\n  type_timeouts:\n    1: 30s\n", "deletion.type_timeouts"},
		{"trailing json", "config.json", `{"telegram":{"token":"x"}} {}`, "trailing data"},
		{"unknown yaml field", "config.yaml", "telegram:\n  token: x\nplugins: {}\n", "plugins"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewManager(writeFile(t, tc.file, tc.body)).Parse()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseEmptyYAML(t *testing.T) {
	cfg, err := NewManager(writeFile(t, "config.yaml", "")).Parse()
	require.NoError(t, err)
	assert.Empty(t, cfg.Telegram.Token)
}

func TestDiffReportsSectionsWithoutSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "tok-old"}, Metrics: MetricsConfig{Token: "s1"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "tok-new"}, Metrics: MetricsConfig{Token: "s2"}, Drift: DriftConfig{FineThreshold: "10s"}}

	changed, fields := Diff(oldCfg, newCfg)
	assert.Equal(t, []string{"drift", "metrics", "telegram"}, changed)

	var buf bytes.Buffer
	logx.NewWriter(&buf, "info").Info("reload", fields...)
	out := buf.String()
	assert.Contains(t, out, `"drift.fine_threshold":"10s"`)
	assert.Contains(t, out, `"telegram.token_set":true`)
	assert.NotContains(t, out, "tok-new")
	assert.NotContains(t, out, "s2")

	assert.Equal(t, []string{"drift", "telegram"}, RestartRequired(changed))
	assert.Empty(t, RestartRequired([]string{"logging", "metrics", "owners"}))
}

func TestDiffSplitsOwnersFromTelegram(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{OwnerUserIDs: []int64{1}}}
	newCfg := &Config{Telegram: TelegramConfig{OwnerUserIDs: []int64{1, 2}}}
	changed, _ := Diff(oldCfg, newCfg)
	assert.Equal(t, []string{"owners"}, changed)

	changed, _ = Diff(nil, nil)
	assert.Empty(t, changed)

	changed, _ = Diff(&Config{}, &Config{Storage: &StorageConfig{Driver: "sqlite"}})
	assert.Equal(t, []string{"storage"}, changed)
}

func TestReloadCommitsValidChanges(t *testing.T) {
	p := writeFile(t, "config.yaml", "telegram:\n  token: a\n")
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(Validate)
	sub := m.Subscribe()
	defer m.Unsubscribe(sub)

	// Comments do not change the decoded config.
	require.NoError(t, os.WriteFile(p, []byte("# owner edit\ntelegram:\n  token: a\n"), 0o600))
	_, err = m.Reload(context.Background())
	assert.ErrorIs(t, err, ErrUnchanged)

	require.NoError(t, os.WriteFile(p, []byte("telegram:\n  token: a\ndrift:\n  coarse_threshold: soon\n"), 0o600))
	_, err = m.Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drift.coarse_threshold")
	assert.Empty(t, m.Get().Drift.CoarseThreshold)

	require.NoError(t, os.WriteFile(p, []byte("telegram:\n  token: b\n"), 0o600))
	cfg, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", m.Get().Telegram.Token)
	select {
	case got := <-sub:
		assert.Same(t, cfg, got)
	default:
		t.Fatal("subscriber not notified")
	}
}

func TestSubscribeKeepsLatest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.yaml")
	sub := m.Subscribe()
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	assert.Same(t, second, <-sub)

	m.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok)
	m.publish(first)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	p := writeFile(t, "config.yaml", "telegram:\n  token: a\n")
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	require.Eventually(t, func() bool {
		// Rewrite until the watcher is up; the tick outlasts the debounce.
		if m.Get().Telegram.Token == "watched" {
			return true
		}
		_ = os.WriteFile(p, []byte("telegram:\n  token: watched\n"), 0o600)
		return false
	}, 5*time.Second, 2*reloadDebounce)

	cancel()
	require.NoError(t, <-done)
}
