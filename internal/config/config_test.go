package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "zerolog", cfg.Logging.Driver)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "X-User-ID", cfg.Auth.UserHeader)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, time.UTC, cfg.Location())

	catalog, err := cfg.Catalog()
	require.NoError(t, err)
	assert.Equal(t, creditgate.TierFree, catalog.DefaultTier())
	assert.Equal(t, Default(), cfg)
}

func TestParse_ExpandsEnvVars(t *testing.T) {
	t.Setenv("CREDITGATE_TEST_DSN", "postgres://gate@db/gate")
	t.Setenv("CREDITGATE_TEST_SECRET", "")

	cfg, err := Parse([]byte(`
http:
  port: ${CREDITGATE_TEST_PORT:-9090}
budget:
  monthly_limit_usd: 250
  timezone: Europe/Bucharest
storage:
  driver: postgres
  postgres:
    dsn: ${CREDITGATE_TEST_DSN}
billing:
  stripe:
    webhook_secret: ${CREDITGATE_TEST_SECRET:-whsec_local}
    prices:
      price_plus: plus
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 250.0, cfg.Budget.MonthlyLimitUSD)
	assert.Equal(t, "Europe/Bucharest", cfg.Location().String())
	assert.Equal(t, "postgres://gate@db/gate", cfg.Storage.Postgres.DSN)
	assert.Equal(t, "whsec_local", cfg.Billing.Stripe.WebhookSecret)
	assert.Equal(t, creditgate.TierPlus, cfg.Billing.Stripe.Prices["price_plus"])
}

func TestParse_GraceAndTiers(t *testing.T) {
	cfg, err := Parse([]byte(`
grace:
  bands:
    paste_percent: 0.1
    pdf_pages: 4
  policy:
    free_sample_enabled: false
    fail_open: true
tiers:
  default: basic
  rows:
    - tier: basic
      monthly_credits: 5
      monthly_exports: 1
      paste_char_limit: 1000
      pdf_page_limit: 5
      active_set_limit: 2
      queue_priority: low
      output:
        normal: {flashcards: 10, quiz: 5}
        degraded: {flashcards: 5, quiz: 2}
`))
	require.NoError(t, err)

	require.NotNil(t, cfg.Grace.Bands)
	assert.Equal(t, 0.1, cfg.Grace.Bands.PastePercent)
	assert.Equal(t, 4, cfg.Grace.Bands.PDFPages)
	require.NotNil(t, cfg.Grace.Policy)
	assert.True(t, cfg.Grace.Policy.FailOpen)

	catalog, err := cfg.Catalog()
	require.NoError(t, err)
	assert.Equal(t, creditgate.Tier("basic"), catalog.DefaultTier())
	assert.Equal(t, 5, catalog.ConfigFor("basic").MonthlyCredits)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad port", "http: {port: 70000}", "http.port"},
		{"bad logger", "logging: {driver: logrus}", "logging.driver"},
		{"negative budget", "budget: {monthly_limit_usd: -1}", "monthly_limit_usd"},
		{"bad timezone", "budget: {timezone: Mars/Olympus}", "budget.timezone"},
		{"unknown driver", "storage: {driver: mongo}", "unknown driver"},
		{"redis without addrs", "storage: {driver: redis}", "storage.redis.addrs"},
		{"tiered without cold", "storage: {driver: tiered, tiered: {hot: memory}}", "storage.tiered.cold"},
		{"nested tiered", "storage: {driver: tiered, tiered: {hot: tiered, cold: memory}}", "storage.tiered.hot"},
		{"invalid tier row", "tiers: {default: x, rows: [{tier: x, paste_char_limit: 0}]}", "tiers"},
		{"relative upstream", "upstream: {generation_url: /generate}", "upstream.generation_url"},
		{"malformed", "http: [", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: sqlite\n  sqlite:\n    path: gate.db\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "gate.db", cfg.Storage.SQLite.Path)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPathForEnv(t *testing.T) {
	t.Setenv("ENV", "prod")
	assert.Equal(t, filepath.Join("config", "prod.yaml"), PathForEnv())
}
