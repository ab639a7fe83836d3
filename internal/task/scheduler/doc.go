// Package scheduler triggers named jobs on cron expressions or fixed
// intervals. Each job runs in its own goroutine with a timeout; a trigger
// that fires while the previous run is still going is skipped.
package scheduler
