// Package orchestrator runs a whole stack.
//
// The orchestrator builds the dependency graph of a stack and starts it level
// by level: every service of a level is started concurrently, and the next
// level begins only when each member is Running or has ended for good. A
// service is started only once all of its dependencies are Running.
//
// When a service fails permanently, during startup or later, the remaining
// services are torn down in reverse level order and the run reports the
// failure. A stop request (signal or API) tears the stack down the same way.
// Stop is idempotent.
//
// Reload re-reads the stack file and reports how it differs from the running
// definition; it never mutates running services.
package orchestrator
