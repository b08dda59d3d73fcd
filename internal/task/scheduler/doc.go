// Package scheduler fires the recurring delivery jobs into the task engine.
//
// It owns trigger timing only (cron expressions or fixed intervals, in the
// configured timezone). Timeouts, retries and overlap belong to the engine.
package scheduler
