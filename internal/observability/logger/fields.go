package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS - CONSENT
// =================================================================================

// Subject es el usuario dueño del vault al que refiere la credencial.
func Subject(v string) zap.Field { return zap.String("subject", v) }

// Agent es el agente que emite o presenta la credencial.
func Agent(v string) zap.Field { return zap.String("agent_id", v) }

// Delegate es el agente que recibe un trust link.
func Delegate(v string) zap.Field { return zap.String("delegate_id", v) }

// Scope es el permiso evaluado.
func Scope(v string) zap.Field { return zap.String("scope", v) }

// TokenID identifica un consent token. Nunca loguear el token crudo.
func TokenID(v string) zap.Field { return zap.String("token_id", v) }

// LinkID identifica un trust link.
func LinkID(v string) zap.Field { return zap.String("link_id", v) }

// Reason es el reason code de una denegación.
func Reason(v string) zap.Field { return zap.String("reason", v) }

// EventType es el tipo de evento de auditoría.
func EventType(v string) zap.Field { return zap.String("event_type", v) }

// Domain es el dominio del vault (food, finance, ...).
func Domain(v string) zap.Field { return zap.String("domain", v) }

// RetryAfter para decisiones del rate limiter.
func RetryAfter(v time.Duration) zap.Field { return zap.Duration("retry_after", v) }

// =================================================================================
// CAMPOS - SISTEMA
// =================================================================================

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field { return zap.String("component", v) }

// Op crea un campo para la operación actual.
func Op(v string) zap.Field { return zap.String("op", v) }

// Driver identifica el backend (memory, postgres, redis, raft).
func Driver(v string) zap.Field { return zap.String("driver", v) }

// Duration crea un campo de duración.
func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

// Err crea un campo para un error.
func Err(err error) zap.Field { return zap.Error(err) }

// String crea un campo string genérico.
func String(key, v string) zap.Field { return zap.String(key, v) }
