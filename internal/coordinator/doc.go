// Package coordinator runs the allocation service of a Torua cluster: it
// owns the cluster state, feeds membership and shard lifecycle events into
// reroute passes and exposes the result to the HTTP layer.
//
// # Overview
//
// The coordinator is the control plane. Nodes register with it, report
// shard copies as started or failed, and serve listings of the shard data
// they hold on disk. The coordinator decides where every copy lives.
//
//	┌──────────────────────────────────────────────┐
//	│                 COORDINATOR                  │
//	├──────────────────────────────────────────────┤
//	│                                              │
//	│  ┌────────────────────────────────────────┐  │
//	│  │  AllocationService                     │  │
//	│  │   - metadata, members, routing table   │  │
//	│  │   - reroute passes                     │  │
//	│  │   - operator commands                  │  │
//	│  └────────────────────────────────────────┘  │
//	│        ▲                 ▲                   │
//	│        │                 │                   │
//	│  ┌─────┴──────────┐ ┌────┴────────────────┐  │
//	│  │ HealthMonitor  │ │ DelayedReroute-     │  │
//	│  │  - /health     │ │ Scheduler           │  │
//	│  │  - node removal│ │  - delay expiry     │  │
//	│  └────────────────┘ │  - fetch follow-ups │  │
//	│                     └─────────────────────┘  │
//	└──────────────────────────────────────────────┘
//
// # Reroute Pass
//
// Every state change ends in one pass over the unassigned copies:
//
//  1. Parked copies become eligible again
//  2. Node-left delays are recomputed at the time of the pass
//  3. The gateway allocator places replicas where reusable data exists,
//     cancels recoveries a sync-id match can replace and parks replicas
//     whose node may still come back
//  4. The balanced allocator places whatever is left on the least loaded
//     node the deciders accept
//  5. The next delay expiry is scheduled
//
// Store listings are fetched asynchronously. A pass that needs a listing
// parks the copy, and the arrival of the listing schedules a follow-up
// pass through the DelayedRerouteScheduler.
//
// # Node Failures
//
// The HealthMonitor probes every member's /health endpoint. After the
// configured number of consecutive failures the node is removed. Its
// replicas become unassigned with reason NODE_LEFT and wait for the index's
// delayed timeout before being rebuilt elsewhere, so a node that restarts
// quickly gets its copies back without copying data.
//
// # Commands
//
// Operators move copies with reroute commands. Commands run against a copy
// of the routing table that replaces the live one only when all of them
// succeed. A dry run reports the outcome without applying it, and explain
// mode reports every decider verdict.
//
// # Observability
//
// Metrics are exported through prometheus under the torua_allocation and
// torua_cluster subsystems. Logs use log/slog with a component attribute.
package coordinator
