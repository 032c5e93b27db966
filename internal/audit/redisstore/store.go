// Package redisstore guarda el audit log en Redis Streams.
//
// Cada credencial tiene su stream (<prefix>stream:<id>) y las revocadas se
// indexan en un set (<prefix>revoked). XADD y SADD van en la misma
// transacción MULTI/EXEC, así HasRevocation nunca ve un REVOKED a medias.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/redis/go-redis/v9"

	"github.com/dropDatabas3/consentvault/internal/audit"
	"github.com/dropDatabas3/consentvault/internal/codec"
)

const (
	DefaultPrefix   = "cv:audit:"
	DefaultPageSize = 256
	eventField      = "event"
)

type Options struct {
	Prefix   string
	PageSize int64
}

type Store struct {
	client   redis.UniversalClient
	prefix   string
	pageSize int64
}

var _ audit.Store = (*Store)(nil)

// New usa client, que sigue siendo del caller (Close no lo cierra).
func New(client redis.UniversalClient, opts Options) (*Store, error) {
	if client == nil {
		return nil, errors.New("redisstore: nil client")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Store{client: client, prefix: opts.Prefix, pageSize: opts.PageSize}, nil
}

func (s *Store) Driver() string { return "redis" }

func (s *Store) streamKey(id string) string { return s.prefix + "stream:" + id }
func (s *Store) revokedKey() string         { return s.prefix + "revoked" }

func (s *Store) Append(ctx context.Context, e audit.Event) error {
	payload, err := codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("redisstore: encode: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(e.SubjectID),
		ID:     "*",
		Values: map[string]any{eventField: payload},
	})
	if e.Type == audit.EventRevoked {
		pipe.SAdd(ctx, s.revokedKey(), e.SubjectID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: append: %w", err)
	}
	return nil
}

func (s *Store) HasRevocation(ctx context.Context, subjectID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.revokedKey(), subjectID).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: revocation lookup: %w", err)
	}
	return ok, nil
}

// History pagina el stream con XRANGE a medida que el caller itera.
func (s *Store) History(ctx context.Context, subjectID string) iter.Seq2[audit.Event, error] {
	return func(yield func(audit.Event, error) bool) {
		key := s.streamKey(subjectID)
		start := "-"
		for {
			msgs, err := s.client.XRangeN(ctx, key, start, "+", s.pageSize).Result()
			if err != nil {
				yield(audit.Event{}, fmt.Errorf("redisstore: xrange: %w", err))
				return
			}
			for _, m := range msgs {
				e, err := decode(m)
				if err != nil {
					yield(audit.Event{}, err)
					return
				}
				if !yield(e, nil) {
					return
				}
			}
			if int64(len(msgs)) < s.pageSize {
				return
			}
			start = "(" + msgs[len(msgs)-1].ID
		}
	}
}

func decode(m redis.XMessage) (audit.Event, error) {
	raw, ok := m.Values[eventField].(string)
	if !ok {
		return audit.Event{}, fmt.Errorf("redisstore: entry %s without %q field", m.ID, eventField)
	}
	var e audit.Event
	if err := codec.Unmarshal([]byte(raw), &e); err != nil {
		return audit.Event{}, fmt.Errorf("redisstore: decode entry %s: %w", m.ID, err)
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) Close() error { return nil }
