// Package logx is engaged's structured logging layer.
//
// A thin wrapper (logx.Logger) over zerolog keeps call sites short:
//   - console output stays readable (short timestamp, file:line caller)
//   - the optional file sink writes one JSON object per line
//   - Service.Apply swaps sinks and level at runtime (config hot reload)
package logx
