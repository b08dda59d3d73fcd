// Package delivery runs delivery ticks: it claims due messages, hands each
// one to the dispatcher registered for its channel kind and records the
// outcome under the retry policy.
//
// Ticks are single-flight. An atomic flag guards the process, and an
// optional store lease extends the guard to every process sharing the same
// database. Both are released on every exit path.
package delivery
