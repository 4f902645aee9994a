// Package logx configures cddns's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional broadcast sink for IPC subscribers (min-level + rate limiting)
package logx
