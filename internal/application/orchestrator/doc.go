// Package orchestrator implements the job controller.
//
// A workflow run is submitted as a background job and executed by the
// worker pool. The controller:
//   - Validates the workflow and rejects a second run while one is active
//   - Enqueues the job and records its id on the workflow
//   - Stops runs, directly through the engine registry when the run is in
//     this process, and through a broadcast cancel otherwise
//   - Reports job status
package orchestrator
