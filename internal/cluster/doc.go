// Package cluster holds the JSON types workers expose over HTTP and the
// small client helpers the churn driver uses to talk to them.
//
// # Endpoints
//
// Every worker with a listen address serves:
//
//	GET  /health           200 "ok" while the process is up
//	GET  /status           WorkerStatus
//	GET  /owner?key=<key>  OwnerResponse for the key's ring owner
//	POST /shutdown         ShutdownRequest; leaves both protocols and exits
//
// The status document reflects the worker's cached, advisory views of the
// ring and the election. Two workers may briefly disagree about the leader
// or about range boundaries while watch notifications are in flight.
//
// # Client Helpers
//
// PostJSON and GetJSON share one http.Client with a five second timeout and
// report non-2xx replies as errors wrapping ErrStatus.
package cluster
