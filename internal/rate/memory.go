package rate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dropDatabas3/consentvault/internal/clock"
)

// MemoryLimiter es el fixed window en proceso sobre go-cache. Add e
// IncrementInt64 son atómicos, así N llamadas concurrentes nunca dejan pasar
// más de limit hits en una ventana.
type MemoryLimiter struct {
	c     *gocache.Cache
	clock clock.Clock
}

func NewMemoryLimiter(clk clock.Clock) *MemoryLimiter {
	return &MemoryLimiter{
		c:     gocache.New(time.Minute, 5*time.Minute),
		clock: clock.OrReal(clk),
	}
}

func (l *MemoryLimiter) CheckAndIncrement(ctx context.Context, key string, window time.Duration, limit int64) (Result, error) {
	if err := checkArgs(window, limit); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	now := l.clock.Now()
	winStart, untilReset := windowBounds(now, window)
	k := key + ":" + strconv.FormatInt(winStart.UnixNano(), 10)

	var hits int64
	for attempt := 0; ; attempt++ {
		if err := l.c.Add(k, int64(1), window); err == nil {
			hits = 1
			break
		}
		n, err := l.c.IncrementInt64(k, 1)
		if err == nil {
			hits = n
			break
		}
		// la entrada expiró entre Add e Increment: reintentar
		if attempt >= 3 {
			return Result{}, fmt.Errorf("%w: %w", ErrBackend, err)
		}
	}

	res := Result{
		Allowed:   hits <= limit,
		Remaining: max(limit-hits, 0),
		Hits:      hits,
		Limit:     limit,
		Window:    window,
	}
	if !res.Allowed {
		res.RetryAfter = untilReset
	}
	return res, nil
}

// Flush borra todos los contadores.
func (l *MemoryLimiter) Flush() { l.c.Flush() }
