// Package sched implements the asynchronous replica-exchange scheduler.
//
// # Reading Guide
//
// Start with these three files to understand the scheduling core:
//   - replica.go: ReplicaRecord and the W/R/S/E running-status state machine
//   - monitor.go: polling of in-flight jobs and the per-replica transitions
//   - exchange.go: the Gibbs independence-sampling exchange of state assignments
//
// # Architecture
//
// A fixed pool of replicas cycles through units of external work. Each
// replica carries a state id; the replica→state mapping is a permutation of
// 0..N-1 at every instant. The Scheduler drives a single cooperative loop:
// poll in-flight jobs, launch waiting replicas up to the admission budget,
// sleep, poll again, then attempt an exchange event among idle replicas.
// Every status mutation is written through StatusStore so a crashed run can
// be resumed with at most the in-progress operation lost.
//
// Workload-specific behavior lives behind small interfaces; implementations
// live in sub-packages:
//   - sched/localexec: ExecutionBackend running subjobs as local processes
//   - sched/harmonic: demo EngineAdapter with harmonic bias states
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - EngineAdapter: build inputs, launch a cycle, confirm completion,
//     compute swap-matrix columns
//   - ExecutionBackend: readiness, graceful drain, resource release
//   - JobHandle: non-blocking terminal-state query for one unit of work
//   - ExchangeStrategy: one sampling round (Gibbs independence sampling by
//     default, legacy pairwise Metropolis selectable by name)
package sched
