package cluster

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/dropDatabas3/consentvault/internal/audit"
	"github.com/dropDatabas3/consentvault/internal/codec"
)

// Store expone un Node como audit.Store. Escrituras y lecturas se sirven
// sólo en el leader; los followers fallan cerrado con ErrNotLeader, así una
// revocación confirmada nunca se pierde por leer una réplica atrasada.
type Store struct {
	node *Node
}

var _ audit.Store = (*Store)(nil)

func NewStore(node *Node) *Store { return &Store{node: node} }

func (s *Store) Driver() string { return "raft" }

func (s *Store) Node() *Node { return s.node }

func (s *Store) Append(ctx context.Context, e audit.Event) error {
	payload, err := codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("cluster: encode event: %w", err)
	}
	data, err := codec.Marshal(Mutation{Type: MutationAppendEvent, TsUnix: time.Now().Unix(), Payload: payload})
	if err != nil {
		return fmt.Errorf("cluster: encode mutation: %w", err)
	}
	_, err = s.node.ApplyBytes(ctx, data)
	return err
}

func (s *Store) HasRevocation(ctx context.Context, subjectID string) (bool, error) {
	if err := s.node.VerifyRead(ctx); err != nil {
		return false, err
	}
	return s.node.fsm.store.HasRevocation(ctx, subjectID)
}

func (s *Store) History(ctx context.Context, subjectID string) iter.Seq2[audit.Event, error] {
	return func(yield func(audit.Event, error) bool) {
		if err := s.node.VerifyRead(ctx); err != nil {
			yield(audit.Event{}, err)
			return
		}
		for e, err := range s.node.fsm.store.History(ctx, subjectID) {
			if !yield(e, err) {
				return
			}
		}
	}
}

// Ping falla en followers: un nodo que no es leader no puede servir lecturas.
func (s *Store) Ping(ctx context.Context) error {
	return s.node.VerifyRead(ctx)
}

func (s *Store) Close() error { return s.node.Close() }
