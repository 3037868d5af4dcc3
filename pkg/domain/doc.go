// Package domain holds the data model shared by every dagrun component:
// workflow descriptors, the live execution state snapshot, observer events,
// background jobs, sandbox handles, resource samples and the error taxonomy.
package domain
