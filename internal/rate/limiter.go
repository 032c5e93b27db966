// Package rate implementa el rate limiter de fixed window que protege la
// emisión y validación de credenciales.
package rate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	rdb "github.com/redis/go-redis/v9"

	"github.com/dropDatabas3/consentvault/internal/clock"
	"github.com/dropDatabas3/consentvault/internal/metrics"
)

// ErrBackend envuelve fallas del backend. Nunca se trata como "allow".
var ErrBackend = errors.New("rate: backend unavailable")

type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
	Hits       int64
	Limit      int64
	Window     time.Duration
}

// Describe devuelve el límite legible, ej. "10 requests per 1m0s".
func (r Result) Describe() string {
	return Describe(r.Limit, r.Window)
}

func Describe(limit int64, window time.Duration) string {
	return fmt.Sprintf("%d requests per %s", limit, window)
}

// Limiter cuenta un hit para key en la ventana actual y decide si se permite.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, key string, window time.Duration, limit int64) (Result, error)
}

// Policy es un par límite/ventana.
type Policy struct {
	Limit  int64         `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// Enabled es false cuando el límite no está configurado.
func (p Policy) Enabled() bool { return p.Limit > 0 && p.Window > 0 }

// SubjectScopeKey es la key de validación por (subject, scope). Sólo la
// cobran credenciales con firma válida.
func SubjectScopeKey(subject, scope string) string {
	return "validate:" + escape(subject) + ":" + escape(scope)
}

// BadSignatureKey es la key que cobran las credenciales con firma inválida
// que nombran a (subject, scope). Es un presupuesto aparte: firmas forjadas
// no consumen el de SubjectScopeKey.
func BadSignatureKey(subject, scope string) string {
	return "badsig:" + escape(subject) + ":" + escape(scope)
}

// AgentKey es la key de emisión por agente.
func AgentKey(agent string) string {
	return "issue:" + escape(agent)
}

// escape es inyectivo y nunca deja ':' ni espacios en la key, así dos
// subjects distintos nunca comparten presupuesto.
func escape(s string) string {
	return url.QueryEscape(s)
}

func checkArgs(window time.Duration, limit int64) error {
	if window <= 0 || limit <= 0 {
		return fmt.Errorf("rate: invalid policy limit=%d window=%s", limit, window)
	}
	return nil
}

func windowBounds(now time.Time, window time.Duration) (start time.Time, retry time.Duration) {
	start = now.Truncate(window)
	return start, start.Add(window).Sub(now)
}

// RedisLimiter: fixed window sencillo (INCR + EXPIRE) compartido entre procesos.
type RedisLimiter struct {
	Client rdb.UniversalClient
	Prefix string
	Clock  clock.Clock
}

func NewRedisLimiter(client rdb.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisLimiter{Client: client, Prefix: prefix, Clock: clock.Real()}
}

func (l *RedisLimiter) CheckAndIncrement(ctx context.Context, key string, window time.Duration, limit int64) (Result, error) {
	if err := checkArgs(window, limit); err != nil {
		return Result{}, err
	}
	now := clock.OrReal(l.Clock).Now()
	winStart, untilReset := windowBounds(now, window)
	redisKey := fmt.Sprintf("%s%s:%d", l.Prefix, key, winStart.Unix())

	pipe := l.Client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrBackend, err)
	}

	hits := incr.Val()
	res := Result{
		Allowed:   hits <= limit,
		Remaining: max(limit-hits, 0),
		Hits:      hits,
		Limit:     limit,
		Window:    window,
	}
	if !res.Allowed {
		// Retry after: resto de la ventana
		res.RetryAfter = untilReset
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Duration(math.Ceil(window.Seconds())) * time.Second
		}
	}
	return res, nil
}

// Instrumented registra cada decisión en metrics.RateDecisions.
type Instrumented struct {
	Limiter Limiter
	Driver  string
}

func (i Instrumented) CheckAndIncrement(ctx context.Context, key string, window time.Duration, limit int64) (Result, error) {
	res, err := i.Limiter.CheckAndIncrement(ctx, key, window, limit)
	outcome := "allowed"
	switch {
	case err != nil:
		outcome = "error"
	case !res.Allowed:
		outcome = "limited"
	}
	metrics.RateDecisions.WithLabelValues(i.Driver, outcome).Inc()
	return res, err
}
