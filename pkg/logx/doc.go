// Package logx configures chatpush's structured logging.
//
// Components log through a small value type (logx.Logger) on top of zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON-structured
//   - An optional operator alert sink (min-level + rate limiting) forwards
//     warnings and errors to a chat target
package logx
