package cluster

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/dropDatabas3/consentvault/internal/audit"
	"github.com/dropDatabas3/consentvault/internal/codec"
	"github.com/dropDatabas3/consentvault/internal/metrics"
)

// FSM aplica mutaciones sobre un audit.MemoryStore.
type FSM struct {
	store *audit.MemoryStore
}

func NewFSM() *FSM { return &FSM{store: audit.NewMemoryStore()} }

// Local devuelve el estado aplicado en este nodo. Leerlo sin pasar por
// Store puede devolver datos atrasados en followers.
func (f *FSM) Local() *audit.MemoryStore { return f.store }

// Apply decodifica la mutación y la aplica. Devuelve error (como respuesta
// del future) si la mutación es inválida.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if l == nil || len(l.Data) == 0 {
		return nil
	}
	var m Mutation
	if err := codec.Unmarshal(l.Data, &m); err != nil {
		return fmt.Errorf("cluster: decode mutation: %w", err)
	}
	switch m.Type {
	case MutationAppendEvent:
		var e audit.Event
		if err := codec.Unmarshal(m.Payload, &e); err != nil {
			return fmt.Errorf("cluster: decode event: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		if err := f.store.Append(context.Background(), e); err != nil {
			return err
		}
		metrics.RaftFSMEvents.Set(float64(f.store.Len()))
		return nil
	default:
		return fmt.Errorf("cluster: unknown mutation %q", m.Type)
	}
}

// Snapshot toma una copia de todos los eventos en orden de aplicación.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &eventSnap{events: f.store.Events()}, nil
}

// Restore reemplaza el estado con el snapshot (gzip + CBOR).
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return fmt.Errorf("cluster: snapshot gzip: %w", err)
	}
	defer gz.Close()
	raw, err := io.ReadAll(gz)
	if err != nil {
		return fmt.Errorf("cluster: snapshot read: %w", err)
	}
	var events []audit.Event
	if err := codec.Unmarshal(raw, &events); err != nil {
		return fmt.Errorf("cluster: snapshot decode: %w", err)
	}
	for i := range events {
		events[i].Timestamp = events[i].Timestamp.UTC()
	}
	f.store.Reset(events)
	metrics.RaftFSMEvents.Set(float64(len(events)))
	return nil
}

type eventSnap struct {
	events []audit.Event
}

func (s *eventSnap) Persist(sink raft.SnapshotSink) error {
	raw, err := codec.Marshal(s.events)
	if err != nil {
		_ = sink.Cancel()
		return err
	}
	gw := gzip.NewWriter(sink)
	if _, err := gw.Write(raw); err != nil {
		_ = gw.Close()
		_ = sink.Cancel()
		return err
	}
	if err := gw.Close(); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *eventSnap) Release() {}
