// Package logx configures joinbot's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// Scheduler progress that must reach an operator goes through internal/notify,
// not through the logger.
package logx
