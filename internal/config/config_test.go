package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/consentvault/internal/rate"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefault(t *testing.T) {
	c := Default()
	require.Equal(t, "dev", c.App.Env)
	require.Equal(t, "memory", c.Audit.Driver)
	require.Equal(t, "memory", c.Rate.Driver)
	require.Equal(t, time.Hour, c.Tokens.DefaultTTL)
	require.Equal(t, 30*24*time.Hour, c.Tokens.MaxTTL)
	require.Equal(t, 2*time.Second, c.Audit.OpTimeout)
	require.Equal(t, rate.Policy{Limit: 120, Window: time.Minute}, c.Rate.Validate)
	require.NoError(t, c.Validate())
}

func TestLoad_YAML(t *testing.T) {
	p := writeYAML(t, `
app:
  app_env: staging
policy:
  primary_issuer: login.primary
  wildcard_agents: [internal.indexer]
  link_extension: 15m
tokens:
  default_ttl: 2h
audit:
  driver: postgres
  postgres:
    dsn: postgres://localhost/cv
    max_conns: 4
rate:
  validate:
    limit: 5
    window: 30s
`)
	c, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "staging", c.App.Env)
	require.Equal(t, "login.primary", c.Policy.PrimaryIssuer)
	require.Equal(t, []string{"internal.indexer"}, c.Policy.WildcardAgents)
	require.Equal(t, 15*time.Minute, c.Policy.LinkExtension)
	require.Equal(t, 2*time.Hour, c.Tokens.DefaultTTL)
	require.Equal(t, int32(4), c.Audit.Postgres.MaxConns)
	require.Equal(t, rate.Policy{Limit: 5, Window: 30 * time.Second}, c.Rate.Validate)
	require.Equal(t, rate.Policy{Limit: 60, Window: time.Minute}, c.Rate.Issue)
}

func TestLoad_EnvOverrides(t *testing.T) {
	p := writeYAML(t, "audit:\n  driver: memory\n")
	t.Setenv("AUDIT_DRIVER", "REDIS")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("SIGNING_KEYS", "k1:abc")
	t.Setenv("POLICY_WILDCARD_AGENTS", "a, b,,c")
	t.Setenv("RATE_VALIDATE_LIMIT", "7")
	t.Setenv("RATE_VALIDATE_WINDOW", "10s")
	t.Setenv("CLUSTER_NODES", "n1=127.0.0.1:8201;n2=127.0.0.1:8202")

	c, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "redis", c.Audit.Driver)
	require.Equal(t, "k1:abc", c.Signing.Keys)
	require.Equal(t, []string{"a", "b", "c"}, c.Policy.WildcardAgents)
	require.Equal(t, rate.Policy{Limit: 7, Window: 10 * time.Second}, c.Rate.Validate)
	require.Equal(t, map[string]string{"n1": "127.0.0.1:8201", "n2": "127.0.0.1:8202"}, c.Cluster.Nodes)
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("TOKEN_MAX_TTL", "24h")
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, c.Tokens.MaxTTL)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("TOKEN_DEFAULT_TTL", "forever")
	_, err := Load("")
	require.ErrorContains(t, err, "TOKEN_DEFAULT_TTL")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"ttl order":        func(c *Config) { c.Tokens.DefaultTTL = 48 * time.Hour; c.Tokens.MaxTTL = time.Hour },
		"unknown driver":   func(c *Config) { c.Audit.Driver = "sqlite" },
		"pg without dsn":   func(c *Config) { c.Audit.Driver = "postgres" },
		"raft without id":  func(c *Config) { c.Audit.Driver = "raft" },
		"redis rate":       func(c *Config) { c.Rate.Driver = "redis" },
		"memory in prod":   func(c *Config) { c.App.Env = "prod" },
		"half rate policy": func(c *Config) { c.Rate.Issue = rate.Policy{Limit: 3} },
		"negative ext":     func(c *Config) { c.Policy.LinkExtension = -time.Second },
		"bad env":          func(c *Config) { c.App.Env = "qa" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			require.Error(t, c.Validate())
		})
	}
}

func TestParseKVList(t *testing.T) {
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, parseKVList(" a=1 ; b=2;;c=", ";"))
	require.Empty(t, parseKVList("", ";"))
}
