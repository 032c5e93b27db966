// Package keyfile escribe material de claves generado por consentctl.
package keyfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrExists: el destino ya existe y no se pidió sobrescribir.
var ErrExists = errors.New("keyfile: destination exists")

// Mode es el permiso con el que quedan los archivos de claves.
const Mode os.FileMode = 0o600

// Write deja line (más salto de línea) en path con permisos Mode.
// Escribe en un temporal del mismo directorio y renombra, así un lector nunca
// ve una clave a medias. Sin overwrite, un destino existente es ErrExists.
func Write(path, line string, overwrite bool) error {
	if path == "" {
		return errors.New("keyfile: empty path")
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("keyfile: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".key-*")
	if err != nil {
		return fmt.Errorf("keyfile: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if err := tmp.Chmod(Mode); err != nil {
		return fmt.Errorf("keyfile: chmod: %w", err)
	}
	if _, err := tmp.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("keyfile: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("keyfile: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("keyfile: close: %w", err)
	}

	// Windows no deja renombrar sobre un destino abierto o existente.
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(path)
		if err2 := os.Rename(tmpPath, path); err2 != nil {
			return fmt.Errorf("keyfile: rename: %v (after remove: %v)", err, err2)
		}
	}
	return nil
}
