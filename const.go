package match

import "time"

const (
	// EngineVersion is the current version of the matching engine
	EngineVersion = "v2.0.0"

	// DefaultWorkers is the size of the ingest worker pool.
	DefaultWorkers = 8

	// DefaultSubmitTimeout bounds how long Submit waits for a free worker.
	DefaultSubmitTimeout = time.Second
)
