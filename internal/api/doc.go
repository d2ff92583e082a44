// Package api is the local control surface of a running stack.
//
// The server side exposes the orchestrator over HTTP with a chi router:
//
//	GET  /healthz               liveness of the control API itself
//	GET  /v1/status             run id, phase and every service snapshot
//	GET  /v1/services/{name}    one service snapshot
//	GET  /v1/graph              dependency levels, startup and shutdown order
//	GET  /v1/events             lifecycle events as newline-delimited JSON
//	POST /v1/stop               request an orderly shutdown
//	POST /v1/reload             re-read the stack file and report differences
//
// Client is the counterpart used by the status and stop commands.
package api
