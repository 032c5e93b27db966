package logger

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	once    sync.Once
	current atomic.Pointer[zap.Logger]
)

// Init inicializa el logger global. Sólo la primera llamada tiene efecto.
func Init(cfg Config) {
	once.Do(func() {
		current.Store(build(cfg))
	})
}

// L retorna el logger global. Sin Init previo arranca en modo dev/info.
func L() *zap.Logger {
	Init(Config{Env: "dev", Level: "info"})
	return current.Load()
}

// Named retorna un logger con nombre de componente.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Replace instala l como logger global y devuelve la función que restaura
// el anterior. Los componentes ya construidos conservan su logger.
func Replace(l *zap.Logger) (restore func()) {
	prev := L()
	current.Store(l)
	return func() { current.Store(prev) }
}

// Sync flushea buffers pendientes. Llamar con defer en main.
func Sync() error {
	if l := current.Load(); l != nil {
		return l.Sync()
	}
	return nil
}
