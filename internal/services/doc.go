// Package services supervises the lifecycle of individual stack services.
//
// A Supervisor owns one service. It launches the service through a
// containerizer.Runtime, gates it on its health probe, watches for exits and
// applies the service's restart policy with exponential backoff:
//
//	Pending -> Starting -> AwaitingHealth -> Running -> Stopping -> Stopped
//
// Failed is reachable from Starting, AwaitingHealth and Running. A launch
// error is final. A health failure or a non-zero exit goes back to Starting
// when the restart policy allows it and the restart budget is not spent;
// otherwise the failure is permanent and surfaces to the orchestrator.
//
// Every transition is published on the reporting event bus and kept in the
// supervisor's history. The Registry holds the supervisors of a stack.
package services
