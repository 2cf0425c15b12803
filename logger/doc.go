// Package logger builds the structured logger shared by every bridge component.
//
// The bridge logs through log/slog. A single *slog.Logger is created at startup
// from the log section of the configuration and passed down explicitly; each
// component derives a child logger carrying a "component" attribute (and a
// "role" attribute for the two WebSocket channels).
//
// Usage:
//
//	log, closeLog, err := logger.New(cfg.Log)
//	if err != nil {
//		return err
//	}
//	defer closeLog()
package logger
