// Package config loads the orchestrator and node runner settings from
// environment variables.
//
// Every setting has a default suitable for a local Redis and Docker daemon;
// Validate rejects combinations the runtime cannot honour, such as a
// reconcile threshold shorter than the engine heartbeat.
package config
