// Package logx is courier's structured logging: a zerolog-backed Logger whose
// sinks (console, JSON file, rate-limited operator alerts) can be swapped at
// runtime by the Service that owns them.
package logx
