// Package logx configures taskd's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp + file:line caller)
//   - file output is JSON lines
//   - Service.Apply swaps level and sinks at runtime (config hot reload)
package logx
