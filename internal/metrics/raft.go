package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Métricas del audit store replicado por Raft. Viven en este paquete para
// evitar ciclos entre cluster y el servidor de métricas.

var (
	RaftApplyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "raft_apply_latency_ms",
		Help:      "Latencia de raft.Apply de eventos de auditoría en milisegundos",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	RaftLeadershipChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "raft_leadership_changes_total",
		Help:      "Cambios de rol a leader",
	})

	RaftLogSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "raft_log_size_bytes",
		Help:      "Tamaño en bytes del archivo de log/stable (BoltDB)",
	})

	RaftFSMEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "raft_fsm_events",
		Help:      "Eventos de auditoría aplicados en la FSM local",
	})
)

func raftCollectors() []prometheus.Collector {
	return []prometheus.Collector{RaftApplyLatency, RaftLeadershipChanges, RaftLogSizeBytes, RaftFSMEvents}
}

// RegisterRaft registra sólo las métricas de raft (o en el default si reg es nil).
func RegisterRaft(reg prometheus.Registerer) error {
	return register(reg, raftCollectors()...)
}
