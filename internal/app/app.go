// Package app construye y cierra todos los recursos del proceso a partir de
// la configuración: keyring, audit store, rate limiter, servicios y vault.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dropDatabas3/consentvault/internal/audit"
	"github.com/dropDatabas3/consentvault/internal/audit/pgstore"
	"github.com/dropDatabas3/consentvault/internal/audit/redisstore"
	"github.com/dropDatabas3/consentvault/internal/clock"
	"github.com/dropDatabas3/consentvault/internal/cluster"
	"github.com/dropDatabas3/consentvault/internal/config"
	"github.com/dropDatabas3/consentvault/internal/consent"
	"github.com/dropDatabas3/consentvault/internal/metrics"
	"github.com/dropDatabas3/consentvault/internal/observability/logger"
	"github.com/dropDatabas3/consentvault/internal/rate"
	"github.com/dropDatabas3/consentvault/internal/scope"
	"github.com/dropDatabas3/consentvault/internal/security/keyprovider"
	"github.com/dropDatabas3/consentvault/internal/security/secretbox"
	"github.com/dropDatabas3/consentvault/internal/security/signing"
	"github.com/dropDatabas3/consentvault/internal/trustlink"
	"github.com/dropDatabas3/consentvault/internal/vault"
)

// Container tiene todo lo que el proceso usa. Se arma con New y se libera
// con Close, en orden inverso al de construcción.
type Container struct {
	Config   *config.Config
	Clock    clock.Clock
	Registry *prometheus.Registry

	Keyring *signing.Keyring
	Store   audit.Store
	Audit   *audit.Log
	Limiter rate.Limiter
	Node    *cluster.Node // sólo con audit.driver=raft

	Tokens *consent.Service
	Links  *trustlink.Service
	Vault  *vault.Vault

	closers []io.Closer
	log     *zap.Logger
}

// Options para tests: reemplazan piezas que de otro modo salen de la config.
type Options struct {
	Clock clock.Clock
	Store audit.Store
}

func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Container, err error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	c := &Container{
		Config:   cfg,
		Clock:    clock.OrReal(opts.Clock),
		Registry: prometheus.NewRegistry(),
		log:      logger.Named("app"),
	}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	if err := metrics.Register(c.Registry); err != nil {
		return nil, fmt.Errorf("app: metrics: %w", err)
	}

	if c.Keyring, err = buildKeyring(cfg, c.log); err != nil {
		return nil, err
	}

	var rdb redis.UniversalClient
	if cfg.Audit.Driver == "redis" || cfg.Rate.Driver == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		c.closers = append(c.closers, client)
		rdb = client
	}

	if opts.Store != nil {
		c.Store = opts.Store
	} else if c.Store, err = c.buildStore(ctx, cfg, rdb); err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.Store)

	sealKey, err := requireKey(cfg, "audit.seal_key", cfg.Audit.SealKey, c.log)
	if err != nil {
		return nil, err
	}
	sealer, err := audit.NewSealer(sealKey)
	secretbox.Wipe(sealKey)
	if err != nil {
		return nil, err
	}
	if c.Audit, err = audit.NewLog(c.Store, audit.Options{Clock: c.Clock, OpTimeout: cfg.Audit.OpTimeout, Sealer: sealer}); err != nil {
		return nil, err
	}

	switch cfg.Rate.Driver {
	case "redis":
		rl := rate.NewRedisLimiter(rdb, cfg.Rate.Prefix)
		rl.Clock = c.Clock
		c.Limiter = rate.Instrumented{Limiter: rl, Driver: "redis"}
	default:
		c.Limiter = rate.Instrumented{Limiter: rate.NewMemoryLimiter(c.Clock), Driver: "memory"}
	}

	policy := scope.Policy{PrimaryIssuer: cfg.Policy.PrimaryIssuer, WildcardAgents: cfg.Policy.WildcardAgents}
	if c.Tokens, err = consent.NewService(consent.Config{
		Keyring:      c.Keyring,
		Audit:        c.Audit,
		Limiter:      c.Limiter,
		Clock:        c.Clock,
		Policy:       policy,
		DefaultTTL:   cfg.Tokens.DefaultTTL,
		MaxTTL:       cfg.Tokens.MaxTTL,
		IssueRate:    cfg.Rate.Issue,
		ValidateRate: cfg.Rate.Validate,
	}); err != nil {
		return nil, err
	}
	if c.Links, err = trustlink.NewService(trustlink.Config{
		Tokens:       c.Tokens,
		Keyring:      c.Keyring,
		Audit:        c.Audit,
		Limiter:      c.Limiter,
		Clock:        c.Clock,
		Policy:       policy,
		Extension:    cfg.Policy.LinkExtension,
		ValidateRate: cfg.Rate.Validate,
	}); err != nil {
		return nil, err
	}

	master, err := requireKey(cfg, "vault.master_key", cfg.Vault.MasterKey, c.log)
	if err != nil {
		return nil, err
	}
	keys, err := keyprovider.NewDerived(master, []byte(cfg.Vault.Salt))
	secretbox.Wipe(master)
	if err != nil {
		return nil, err
	}
	if c.Vault, err = vault.New(vault.Config{Tokens: c.Tokens, Links: c.Links, Keys: keys}); err != nil {
		return nil, err
	}

	c.log.Info("container ready",
		logger.Driver(c.Store.Driver()),
		zap.String("rate_driver", cfg.Rate.Driver),
		zap.Strings("kids", c.Keyring.KIDs()))
	return c, nil
}

func (c *Container) buildStore(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient) (audit.Store, error) {
	switch cfg.Audit.Driver {
	case "memory":
		return audit.NewMemoryStore(), nil
	case "postgres":
		st, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.Audit.Postgres.DSN,
			MaxConns:        cfg.Audit.Postgres.MaxConns,
			MinConns:        cfg.Audit.Postgres.MinConns,
			ConnMaxLifetime: cfg.Audit.Postgres.ConnMaxLifetime,
			EnsureSchema:    cfg.Audit.Postgres.EnsureSchema,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case "redis":
		st, err := redisstore.New(rdb, redisstore.Options{Prefix: cfg.Audit.Redis.Prefix})
		if err != nil {
			return nil, err
		}
		return st, nil
	case "raft":
		if err := metrics.RegisterRaft(c.Registry); err != nil {
			return nil, err
		}
		node, err := cluster.NewNode(cluster.NodeOptions{
			NodeID:             cfg.Cluster.NodeID,
			RaftAddr:           cfg.Cluster.RaftAddr,
			RaftDir:            cfg.Cluster.RaftDir,
			Peers:              cfg.Cluster.Nodes,
			BootstrapPreferred: cfg.Cluster.Bootstrap,
		})
		if err != nil {
			return nil, err
		}
		c.Node = node
		return cluster.NewStore(node), nil
	default:
		return nil, fmt.Errorf("app: audit driver %q desconocido", cfg.Audit.Driver)
	}
}

// buildKeyring arma el keyring desde signing.keys. En dev, sin claves, genera
// una efímera: los tokens emitidos no sobreviven al proceso.
func buildKeyring(cfg *config.Config, lg *zap.Logger) (*signing.Keyring, error) {
	if cfg.Signing.Keys == "" {
		if cfg.App.Env != "dev" {
			return nil, errors.New("app: signing.keys requerido (SIGNING_KEYS)")
		}
		kid, err := signing.GenerateKID()
		if err != nil {
			return nil, err
		}
		secret, err := secretbox.GenerateKey()
		if err != nil {
			return nil, err
		}
		lg.Warn("usando clave de firma efímera", zap.String("kid", kid))
		return signing.NewKeyring(kid, map[string][]byte{kid: secret})
	}
	keys, err := signing.ParseKeys(cfg.Signing.Keys)
	if err != nil {
		return nil, err
	}
	active := cfg.Signing.ActiveKID
	if active == "" {
		if len(keys) != 1 {
			return nil, errors.New("app: signing.active_kid requerido con más de una clave")
		}
		for kid := range keys {
			active = kid
		}
	}
	return signing.NewKeyring(active, keys)
}

// requireKey parsea una clave de 32 bytes. Vacía en dev se genera una
// efímera; en otros entornos es un error.
func requireKey(cfg *config.Config, name, value string, lg *zap.Logger) ([]byte, error) {
	if value != "" {
		k, err := secretbox.ParseKey(value)
		if err != nil {
			return nil, fmt.Errorf("app: %s: %w", name, err)
		}
		return k, nil
	}
	if cfg.App.Env != "dev" {
		return nil, fmt.Errorf("app: %s requerido", name)
	}
	lg.Warn("usando clave efímera", zap.String("key", name))
	return secretbox.GenerateKey()
}

// Ready chequea que el audit store responda.
func (c *Container) Ready(ctx context.Context) error {
	return c.Audit.Ping(ctx)
}

// Close libera los recursos en orden inverso. Es seguro llamarlo más de una vez.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
