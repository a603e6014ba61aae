// Package taskplane implements a control plane for perpetual tasks:
// long-running, recurring monitoring jobs assigned to a fleet of remote
// delegate agents that cannot be pushed to directly.
//
// The control plane owns task definitions, decides which delegate
// currently owns each task, detects dead delegates via heartbeats, and
// reassigns orphaned work. Delegates pull their work over an authenticated
// NATS request/reply channel with three calls: List, Context, Heartbeat.
//
// # Quick Start
//
// Control-plane side:
//
//	cfg := taskplane.Config{}
//	srv, err := taskplane.NewServer(&cfg, natsConn)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop(context.Background())
//
//	// External owners keep tasks in sync with the monitored entities.
//	id, err := srv.Lifecycle().CreateForOwner(ctx, "acme", "cluster-1",
//	    taskplane.TaskTypeK8sWatch, taskplane.ClientParams{{Key: "kubeconfig", Value: ref}})
//
// Delegate side:
//
//	client, _ := delegate.NewClient(natsConn, delegate.ClientConfig{
//	    AccountID:  "acme",
//	    DelegateID: "delegate-1",
//	    Token:      provisionedToken,
//	})
//	runner, _ := delegate.NewRunner(client, handleTask, delegate.RunnerConfig{})
//	runner.Start(ctx)
//
// # Architecture
//
// Tasks move through a small state machine driven purely by stored epochs
// and timestamps:
//
//	Unassigned → (assign) → Assigned → (heartbeat timeout) → Rebalancing → (assign) → Assigned
//
// All cross-instance coordination happens through the task store's atomic
// conditional updates (NATS JetStream KV revision checks); a per-task
// assignment epoch totally orders ownership transitions and rejects stale
// heartbeats, so delegate clock skew never affects correctness.
//
// # Key Properties
//
//   - At-most-one-owner: concurrent List calls racing on a task resolve to
//     exactly one winner via compare-and-assign
//   - Pull-based failure detection: silence (no heartbeat) converts into a
//     reassignment by the liveness sweep; there is no push channel
//   - Bounded auth cost: the per-call auth gate caches account credentials
//     with short TTLs
package taskplane
