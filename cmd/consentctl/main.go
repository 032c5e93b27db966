// consentctl opera el núcleo de consentimiento: emite, valida, delega y
// revoca credenciales, cifra y descifra datos del vault y expone métricas.
//
// Cada comando arma su propio contenedor desde la config. Con audit.driver
// memory el estado muere con el proceso: para encadenar comandos usar
// postgres, redis o raft y SIGNING_KEYS fijas.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/consentvault/internal/app"
	"github.com/dropDatabas3/consentvault/internal/config"
	"github.com/dropDatabas3/consentvault/internal/observability/logger"
)

type cli struct {
	configPath string
	envFile    string
	out        string // "json" | "text"
	stdout     io.Writer
}

func (c *cli) loadConfig() (*config.Config, error) {
	if c.envFile != "" {
		// .env es opcional: sin archivo se usa el entorno tal cual.
		_ = godotenv.Load(c.envFile)
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel, ServiceName: "consentctl"})
	return cfg, nil
}

// container carga la config y arma el contenedor. El caller cierra.
func (c *cli) container(ctx context.Context) (*app.Container, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.Options{})
}

func (c *cli) print(v any, text string) error {
	if c.out == "json" {
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(c.stdout, text)
	return err
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	c := &cli{stdout: stdout}
	root := &cobra.Command{
		Use:           "consentctl",
		Short:         "CLI del núcleo de consentimiento (tokens, trust links, vault, auditoría)",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.out != "json" && c.out != "text" {
				return fmt.Errorf("--out inválido %q (json|text)", c.out)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", envOr("CONSENTVAULT_CONFIG", ""), "ruta a config.yaml (vacío: sólo env)")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "ruta a .env (opcional)")
	root.PersistentFlags().StringVar(&c.out, "out", envOr("CONSENTVAULT_OUT", "text"), "formato de salida: json|text")
	root.SetOut(stdout)

	root.AddCommand(
		keygenCmd(c),
		issueCmd(c),
		validateCmd(c),
		revokeCmd(c),
		delegateCmd(c),
		linkValidateCmd(c),
		historyCmd(c),
		sealCmd(c),
		unsealCmd(c),
		serveCmd(c),
	)
	return root
}

func main() {
	defer func() { _ = logger.Sync() }()
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
