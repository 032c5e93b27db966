// Package metrics define los collectors Prometheus del módulo.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "consentvault"

var (
	TokensIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_issued_total",
		Help:      "Consent tokens emitidos por scope",
	}, []string{"scope"})

	Validations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "validations_total",
		Help:      "Validaciones por tipo de credencial y resultado (ok o reason de denegación)",
	}, []string{"kind", "result"})

	Revocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "revocations_total",
		Help:      "Revocaciones aplicadas por tipo de credencial",
	}, []string{"kind"})

	LinksDelegated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "links_delegated_total",
		Help:      "Trust links emitidos por scope",
	}, []string{"scope"})

	AuditOpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "audit_op_latency_ms",
		Help:      "Latencia de operaciones del audit store en milisegundos",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 14),
	}, []string{"driver", "op"})

	AuditErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_errors_total",
		Help:      "Fallas del audit store por operación",
	}, []string{"driver", "op"})

	RateDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_decisions_total",
		Help:      "Decisiones del rate limiter (allowed, limited, error)",
	}, []string{"driver", "outcome"})

	VaultOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vault_ops_total",
		Help:      "Operaciones seal/unseal del vault por resultado",
	}, []string{"op", "result"})
)

func coreCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		TokensIssued, Validations, Revocations, LinksDelegated,
		AuditOpLatency, AuditErrors, RateDecisions, VaultOps,
	}
}

// Register registra todos los collectors (o en el default si reg es nil).
// Registrar dos veces no es error.
func Register(reg prometheus.Registerer) error {
	return register(reg, append(coreCollectors(), raftCollectors()...)...)
}

func register(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
