// Package churn exercises the ring and the election by randomly starting and
// killing workers while printing what an outside observer sees.
//
// Each step draws a number in [0,1): below KillProb a random worker is
// killed (unless the population is at MinWorkers), below KillProb+AddProb a
// worker with an unused identifier from [1, IDSpace] is added (unless the
// population is at MaxWorkers), otherwise nothing happens. Workers that
// exited on their own, typically after a slot collision, are reaped first.
//
// Workers are started through a Launcher. LocalLauncher runs them as
// goroutines on a shared in-memory store; ProcessLauncher runs the worker
// binary against a ZooKeeper ensemble.
//
// The driver's report reads the cluster through its own session, which
// never joins the ring or the election:
//
//	-- worker 17 is responsible for range (9840,312]
//	-- worker 4 is responsible for range (312,5121]
//	-- worker 63 is responsible for range (5121,9840]
//	-- leader is 4 (3 candidate(s))
package churn
