package model

// Aggregator defines the common interface for a streaming sessionization engine.
type Aggregator interface {
	// Start launches the aggregator's processing workers.
	Start()

	// Stop gracefully shuts down the aggregator. Every open run is closed
	// and emitted before Stop returns.
	Stop()

	// Input returns the channel to which flow records should be sent.
	Input() chan<- *FlowRecord
}
