// Package logx is groupkeeper's structured logging on top of zerolog.
//
// A Logger carries fixed fields (With) and writes through a Service whose
// outputs can be swapped at runtime on config reload. Outputs are a console
// writer, an optional JSON file and an optional log chat, where warnings and
// errors are posted as short rate-limited messages.
package logx
