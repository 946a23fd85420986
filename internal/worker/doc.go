// Package worker hosts one workflow run inside an OS process.
//
// The supervisor records the process identity, heartbeats while the engine
// runs, translates engine outcomes into run statuses, and turns SIGTERM
// and panics into clean interrupted/failed records. The sweeper is the
// external crash detector: it finds runs whose process died without
// reporting and marks them interrupted after the fact.
package worker
