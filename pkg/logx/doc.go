// Package logx is drawbot's structured logging layer.
//
// Logger is a small value type over zerolog:
//   - console output is human readable (short timestamp and caller)
//   - file output is JSON
//   - an optional chat sink forwards records at or above a minimum level,
//     rate limited and never blocking the caller
package logx
