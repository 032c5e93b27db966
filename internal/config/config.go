package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dropDatabas3/consentvault/internal/rate"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env      string `yaml:"app_env"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"app"`

	// Server expone /metrics, /healthz y /readyz.
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Signing struct {
		ActiveKID string `yaml:"active_kid"`
		// Keys: "kid:secret,kid2:secret2" (secret en base64 o hex).
		Keys string `yaml:"keys"`
	} `yaml:"signing"`

	Policy struct {
		PrimaryIssuer  string        `yaml:"primary_issuer"`
		WildcardAgents []string      `yaml:"wildcard_agents"`
		LinkExtension  time.Duration `yaml:"link_extension"`
	} `yaml:"policy"`

	Tokens struct {
		DefaultTTL time.Duration `yaml:"default_ttl"`
		MaxTTL     time.Duration `yaml:"max_ttl"`
	} `yaml:"tokens"`

	Audit struct {
		// memory | postgres | redis | raft
		Driver    string        `yaml:"driver"`
		SealKey   string        `yaml:"seal_key"`
		OpTimeout time.Duration `yaml:"op_timeout"`
		Postgres  struct {
			DSN             string        `yaml:"dsn"`
			MaxConns        int32         `yaml:"max_conns"`
			MinConns        int32         `yaml:"min_conns"`
			ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
			EnsureSchema    bool          `yaml:"ensure_schema"`
		} `yaml:"postgres"`
		Redis struct {
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"audit"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Rate struct {
		// memory | redis
		Driver   string      `yaml:"driver"`
		Prefix   string      `yaml:"prefix"`
		Issue    rate.Policy `yaml:"issue"`
		Validate rate.Policy `yaml:"validate"`
	} `yaml:"rate"`

	Vault struct {
		// MasterKey deriva las VaultKeys por usuario (HKDF).
		MasterKey string `yaml:"master_key"`
		Salt      string `yaml:"salt"`
	} `yaml:"vault"`

	Cluster struct {
		NodeID    string            `yaml:"node_id"`
		RaftAddr  string            `yaml:"raft_addr"`
		RaftDir   string            `yaml:"raft_dir"`
		Nodes     map[string]string `yaml:"nodes"` // nodeID -> host:port (raft)
		Bootstrap bool              `yaml:"bootstrap"`
	} `yaml:"cluster"`
}

// Default devuelve la configuración base, sin archivo ni env.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Load lee path (YAML), aplica defaults y overrides por env y valida.
// Con path vacío sólo se usan defaults + env.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	c.applyDefaults()
	if err := c.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":9090"
	}
	if c.Tokens.DefaultTTL == 0 {
		c.Tokens.DefaultTTL = time.Hour
	}
	if c.Tokens.MaxTTL == 0 {
		c.Tokens.MaxTTL = 30 * 24 * time.Hour
	}
	if c.Audit.Driver == "" {
		c.Audit.Driver = "memory"
	}
	if c.Audit.OpTimeout == 0 {
		c.Audit.OpTimeout = 2 * time.Second
	}
	if c.Audit.Postgres.MaxConns == 0 {
		c.Audit.Postgres.MaxConns = 10
	}
	if c.Audit.Redis.Prefix == "" {
		c.Audit.Redis.Prefix = "cv:audit:"
	}
	if c.Rate.Driver == "" {
		c.Rate.Driver = "memory"
	}
	if c.Rate.Prefix == "" {
		c.Rate.Prefix = "cv:rl:"
	}
	if c.Rate.Issue == (rate.Policy{}) {
		c.Rate.Issue = rate.Policy{Limit: 60, Window: time.Minute}
	}
	if c.Rate.Validate == (rate.Policy{}) {
		c.Rate.Validate = rate.Policy{Limit: 120, Window: time.Minute}
	}
	if c.Vault.Salt == "" {
		c.Vault.Salt = "consentvault"
	}
	if c.Cluster.RaftDir == "" {
		c.Cluster.RaftDir = "./data/raft"
	}
	if c.Cluster.Nodes == nil {
		c.Cluster.Nodes = map[string]string{}
	}
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool, error) {
	s, ok := getEnvStr(key)
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false, fmt.Errorf("config: %s: %w", key, err)
	}
	return i, true, nil
}

func getEnvBool(key string) (bool, bool, error) {
	s, ok := getEnvStr(key)
	if !ok {
		return false, false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, true, nil
}

func getEnvDur(key string) (time.Duration, bool, error) {
	s, ok := getEnvStr(key)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, false, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, true, nil
}

func getEnvCSV(key string) ([]string, bool) {
	s, ok := getEnvStr(key)
	if !ok {
		return nil, false
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, true
}

// applyEnvOverrides pisa el YAML con variables de entorno. Un valor mal
// formado es un error: no se ignora en silencio.
func (c *Config) applyEnvOverrides() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := getEnvStr(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) {
		v, ok, err := getEnvDur(key)
		errs = append(errs, err)
		if ok {
			*dst = v
		}
	}
	i64 := func(key string, dst *int64) {
		v, ok, err := getEnvInt(key)
		errs = append(errs, err)
		if ok {
			*dst = int64(v)
		}
	}

	// APP
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	str("LOG_LEVEL", &c.App.LogLevel)
	str("SERVER_ADDR", &c.Server.Addr)

	// SIGNING
	str("SIGNING_KEYS", &c.Signing.Keys)
	str("SIGNING_ACTIVE_KID", &c.Signing.ActiveKID)

	// POLICY
	str("POLICY_PRIMARY_ISSUER", &c.Policy.PrimaryIssuer)
	if v, ok := getEnvCSV("POLICY_WILDCARD_AGENTS"); ok {
		c.Policy.WildcardAgents = v
	}
	dur("POLICY_LINK_EXTENSION", &c.Policy.LinkExtension)

	// TOKENS
	dur("TOKEN_DEFAULT_TTL", &c.Tokens.DefaultTTL)
	dur("TOKEN_MAX_TTL", &c.Tokens.MaxTTL)

	// AUDIT
	if v, ok := getEnvStr("AUDIT_DRIVER"); ok {
		c.Audit.Driver = strings.ToLower(strings.TrimSpace(v))
	}
	str("AUDIT_SEAL_KEY", &c.Audit.SealKey)
	dur("AUDIT_OP_TIMEOUT", &c.Audit.OpTimeout)
	str("AUDIT_PG_DSN", &c.Audit.Postgres.DSN)
	if v, ok, err := getEnvInt("AUDIT_PG_MAX_CONNS"); ok {
		c.Audit.Postgres.MaxConns = int32(v)
	} else {
		errs = append(errs, err)
	}
	dur("AUDIT_PG_CONN_MAX_LIFETIME", &c.Audit.Postgres.ConnMaxLifetime)
	if v, ok, err := getEnvBool("AUDIT_PG_ENSURE_SCHEMA"); ok {
		c.Audit.Postgres.EnsureSchema = v
	} else {
		errs = append(errs, err)
	}
	str("AUDIT_REDIS_PREFIX", &c.Audit.Redis.Prefix)

	// REDIS
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	if v, ok, err := getEnvInt("REDIS_DB"); ok {
		c.Redis.DB = v
	} else {
		errs = append(errs, err)
	}

	// RATE
	if v, ok := getEnvStr("RATE_DRIVER"); ok {
		c.Rate.Driver = strings.ToLower(strings.TrimSpace(v))
	}
	str("RATE_PREFIX", &c.Rate.Prefix)
	i64("RATE_ISSUE_LIMIT", &c.Rate.Issue.Limit)
	dur("RATE_ISSUE_WINDOW", &c.Rate.Issue.Window)
	i64("RATE_VALIDATE_LIMIT", &c.Rate.Validate.Limit)
	dur("RATE_VALIDATE_WINDOW", &c.Rate.Validate.Window)

	// VAULT
	str("VAULT_MASTER_KEY", &c.Vault.MasterKey)
	str("VAULT_KEY_SALT", &c.Vault.Salt)

	// CLUSTER
	str("NODE_ID", &c.Cluster.NodeID)
	str("RAFT_ADDR", &c.Cluster.RaftAddr)
	str("RAFT_DIR", &c.Cluster.RaftDir)
	// CLUSTER_NODES="n1=127.0.0.1:8201;n2=127.0.0.1:8202"
	if m, ok := getEnvKVList("CLUSTER_NODES", ";"); ok {
		for k, v := range m {
			c.Cluster.Nodes[k] = v
		}
	}
	if v, ok, err := getEnvBool("CLUSTER_BOOTSTRAP"); ok {
		c.Cluster.Bootstrap = v
	} else {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Validate chequea los valores críticos.
func (c *Config) Validate() error {
	var errs []error
	switch c.App.Env {
	case "dev", "staging", "prod":
	default:
		errs = append(errs, fmt.Errorf("config: app_env %q inválido", c.App.Env))
	}
	if c.Tokens.DefaultTTL <= 0 || c.Tokens.MaxTTL <= 0 {
		errs = append(errs, errors.New("config: tokens.default_ttl y tokens.max_ttl deben ser > 0"))
	} else if c.Tokens.DefaultTTL > c.Tokens.MaxTTL {
		errs = append(errs, fmt.Errorf("config: default_ttl %s supera max_ttl %s", c.Tokens.DefaultTTL, c.Tokens.MaxTTL))
	}
	if c.Policy.LinkExtension < 0 {
		errs = append(errs, errors.New("config: policy.link_extension no puede ser negativo"))
	}
	if c.Audit.OpTimeout <= 0 {
		errs = append(errs, errors.New("config: audit.op_timeout debe ser > 0"))
	}
	for name, p := range map[string]rate.Policy{"issue": c.Rate.Issue, "validate": c.Rate.Validate} {
		if p.Limit < 0 || p.Window < 0 || (p.Limit > 0) != (p.Window > 0) {
			errs = append(errs, fmt.Errorf("config: rate.%s inválido (limit=%d window=%s)", name, p.Limit, p.Window))
		}
	}

	switch c.Audit.Driver {
	case "memory":
		if c.App.Env == "prod" {
			errs = append(errs, errors.New("config: audit.driver=memory no está permitido en prod"))
		}
	case "postgres":
		if c.Audit.Postgres.DSN == "" {
			errs = append(errs, errors.New("config: audit.postgres.dsn requerido (AUDIT_PG_DSN)"))
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("config: redis.addr requerido para audit.driver=redis"))
		}
	case "raft":
		if c.Cluster.NodeID == "" || c.Cluster.RaftAddr == "" {
			errs = append(errs, errors.New("config: cluster.node_id y cluster.raft_addr requeridos para audit.driver=raft"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: audit.driver %q desconocido", c.Audit.Driver))
	}

	switch c.Rate.Driver {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("config: redis.addr requerido para rate.driver=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: rate.driver %q desconocido", c.Rate.Driver))
	}

	return errors.Join(errs...)
}

// parse env of form "k1=v1<sep>k2=v2" into map
func parseKVList(s, sep string) map[string]string {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]string{}
	}
	items := strings.Split(s, sep)
	out := make(map[string]string, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if i := strings.IndexRune(it, '='); i > 0 {
			k := strings.TrimSpace(it[:i])
			v := strings.TrimSpace(it[i+1:])
			if k != "" && v != "" {
				out[k] = v
			}
		}
	}
	return out
}

func getEnvKVList(key, sep string) (map[string]string, bool) {
	if s, ok := getEnvStr(key); ok {
		return parseKVList(s, sep), true
	}
	return nil, false
}
