package audit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/dropDatabas3/consentvault/internal/clock"
	"github.com/dropDatabas3/consentvault/internal/metrics"
	"github.com/dropDatabas3/consentvault/internal/observability/logger"
)

const DefaultOpTimeout = 2 * time.Second

// Options configures a Log.
type Options struct {
	Clock clock.Clock
	// OpTimeout bounds each backend call when the caller's context has no deadline.
	OpTimeout time.Duration
	Sealer    *Sealer
	Logger    *zap.Logger
}

// Log is the front every service writes through. It stamps, seals and
// times events, and turns backend failures into ErrStoreUnavailable.
type Log struct {
	store   Store
	clock   clock.Clock
	timeout time.Duration
	sealer  *Sealer
	log     *zap.Logger

	// último timestamp emitido por stream, para que el orden dentro de un
	// stream nunca dependa de relojes con la misma lectura.
	stampMu sync.Mutex
	last    *gocache.Cache
}

func NewLog(store Store, opts Options) (*Log, error) {
	if store == nil {
		return nil, errors.New("audit: nil store")
	}
	if opts.Sealer == nil {
		return nil, errors.New("audit: nil sealer")
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	lg := opts.Logger
	if lg == nil {
		lg = logger.Named("audit")
	}
	return &Log{
		store:   store,
		clock:   clock.OrReal(opts.Clock),
		timeout: opts.OpTimeout,
		sealer:  opts.Sealer,
		log:     lg.With(logger.Driver(store.Driver())),
		last:    gocache.New(10*time.Minute, 10*time.Minute),
	}, nil
}

func (l *Log) Driver() string { return l.store.Driver() }

func (l *Log) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}

func (l *Log) observe(op string, start time.Time, err error) {
	metrics.AuditOpLatency.WithLabelValues(l.store.Driver(), op).Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		metrics.AuditErrors.WithLabelValues(l.store.Driver(), op).Inc()
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// stamp returns a timestamp strictly after the previous one in the stream.
// Postgres keeps microseconds, so everything is truncated to that.
func (l *Log) stamp(subjectID string) time.Time {
	now := l.clock.Now().UTC().Truncate(time.Microsecond)
	l.stampMu.Lock()
	defer l.stampMu.Unlock()
	if v, ok := l.last.Get(subjectID); ok {
		if prev := v.(time.Time); !now.After(prev) {
			now = prev.Add(time.Microsecond)
		}
	}
	l.last.SetDefault(subjectID, now)
	return now
}

// Append stamps, seals and stores e. ID, Timestamp and Seal are assigned
// here; the caller sets Type, SubjectID, Actor and Detail. The stored event
// is returned.
func (l *Log) Append(ctx context.Context, e Event) (Event, error) {
	e.ID = uuid.NewString()
	e.Seal = nil
	if err := validate(e); err != nil {
		return Event{}, err
	}
	e.Timestamp = l.stamp(e.SubjectID)
	e = e.clone()
	seal, err := l.sealer.Sum(e)
	if err != nil {
		return Event{}, err
	}
	e.Seal = seal

	ctx, cancel := l.bound(ctx)
	defer cancel()
	start := time.Now()
	err = l.store.Append(ctx, e)
	l.observe("append", start, err)
	if err != nil {
		logger.From(ctx).Error("audit append failed",
			logger.Driver(l.store.Driver()),
			logger.EventType(string(e.Type)),
			logger.String("stream", e.SubjectID),
			logger.Err(err))
		return Event{}, unavailable("append", err)
	}
	l.log.Debug("audit event appended",
		logger.EventType(string(e.Type)),
		logger.String("stream", e.SubjectID),
		logger.String("event_id", e.ID))
	return e, nil
}

// HasRevocation reports whether a REVOKED event exists for subjectID.
func (l *Log) HasRevocation(ctx context.Context, subjectID string) (bool, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()
	start := time.Now()
	ok, err := l.store.HasRevocation(ctx, subjectID)
	l.observe("has_revocation", start, err)
	if err != nil {
		logger.From(ctx).Error("audit revocation lookup failed",
			logger.Driver(l.store.Driver()),
			logger.String("stream", subjectID),
			logger.Err(err))
		return false, unavailable("has_revocation", err)
	}
	return ok, nil
}

// History yields the stream for subjectID in append order, checking every
// seal. Iteration stops after the first error.
func (l *Log) History(ctx context.Context, subjectID string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		ctx, cancel := l.bound(ctx)
		defer cancel()
		start := time.Now()
		var failed error
		defer func() { l.observe("history", start, failed) }()

		for e, err := range l.store.History(ctx, subjectID) {
			if err != nil {
				failed = err
				yield(Event{}, unavailable("history", err))
				return
			}
			if !l.sealer.Verify(e) {
				logger.From(ctx).Warn("audit event failed seal check",
					logger.String("stream", subjectID),
					logger.String("event_id", e.ID))
				yield(e, fmt.Errorf("%w: event %s", ErrTampered, e.ID))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Events collects History into a slice.
func (l *Log) Events(ctx context.Context, subjectID string) ([]Event, error) {
	return Collect(l.History(ctx, subjectID))
}

func (l *Log) Ping(ctx context.Context) error {
	ctx, cancel := l.bound(ctx)
	defer cancel()
	if err := l.store.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (l *Log) Close() error {
	return l.store.Close()
}
