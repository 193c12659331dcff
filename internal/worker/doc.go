// Package worker runs one cluster participant: it claims a slot on the
// membership ring, enters the leader election, keeps both cached views
// current through watches and periodic polling, and logs a heartbeat.
//
// # Lifecycle
//
//	w := worker.New(client, worker.Config{ID: "17"})
//	go http.ListenAndServe(":9117", w.Routes())
//	err := w.Run(ctx)      // joins, watches, heartbeats until ctx ends
//	err = w.Close(ctx)     // leaves both protocols, closes the session
//
// A crash is modelled by ending the coordination session without calling
// Close: the service deletes the worker's ephemeral records and every other
// worker's watch fires.
//
// # Partial Participation
//
// The ring and the election are independent. When one of them rejects the
// worker (a slot collision, a duplicate candidate, an unreachable service)
// the worker logs the failure kind and carries on with the other, unless
// Config.ExitOnJoinFailure is set.
package worker
