// Package logrouter multiplexes service output onto log sinks.
//
// Every attached service gets its own bounded FIFO and a delivery goroutine.
// Producers never block: when a sink is slow or failing, records pile up in
// the buffer and, once it is full, the oldest record is dropped and counted.
// A failing record is retried until it is delivered or evicted, so records
// reach the sink in the order they were produced.
//
// Lifecycle events from the reporting bus are forwarded to the service's
// sink as records on the "lifecycle" stream.
package logrouter
