// Package logger provides the process-wide zap logger and helpers to scope it.
//
// Initialize it once in main:
//
//	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel})
//	defer logger.Sync()
//
// Components take a *zap.Logger explicitly; request handlers pull the scoped
// one out of the context with From.
package logger
