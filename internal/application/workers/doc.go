// Package workers implements the job worker pool.
//
// The pool runs a fixed number of workers that:
//   - Consume jobs from the background job queue
//   - Run each job's workflow in dispatch or ephemeral mode
//   - Record job status transitions
//   - Stop a job on a broadcast cancel request and acknowledge it
//
// The health monitor tracks worker status and records metrics.
package workers
