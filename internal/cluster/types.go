// Package cluster replica el audit log con Raft: cada evento es una mutación
// en el log de Raft y la FSM lo aplica sobre un audit.MemoryStore local.
package cluster

// MutationType define el catálogo de operaciones replicadas.
type MutationType string

const (
	MutationAppendEvent MutationType = "audit.append"
)

// Mutation es una operación a replicar por Raft. El payload es el evento
// codificado en CBOR determinístico.
type Mutation struct {
	Type    MutationType `cbor:"type"`
	TsUnix  int64        `cbor:"ts"`
	Payload []byte       `cbor:"payload"`
}
