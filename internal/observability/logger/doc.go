// Package logger provides a global Zap logger with context-based scoping.
//
//   - Init se llama una vez en main; L/Named sirven el logger global.
//   - Los servicios loguean con From(ctx): el caller puede inyectar un logger
//     con campos propios vía ToContext.
//   - "dev" usa consola con colores, "prod" usa JSON. Ambos escriben a stderr.
//   - Nunca se loguean credenciales crudas, claves ni plaintext del vault:
//     sólo identificadores (token_id, link_id) y reason codes.
//
// Uso:
//
//	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel})
//	defer logger.Sync()
//
//	lg := logger.From(ctx).With(logger.Component("consent"), logger.Op("validate"))
//	lg.Info("validate denied", logger.TokenID(t.ID), logger.Reason(string(r)))
package logger
