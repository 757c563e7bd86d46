// Package boxd brokers short-lived, resource-bounded browser containers on
// behalf of HTTP clients: allocate one, keep it alive for a bounded window,
// let callers extend or stop it early, and guarantee it is eventually
// reclaimed even if nobody asks.
//
// # Architecture
//
// The Dispatcher is the façade and the only component other subsystems
// call. It composes:
//
//   - Gate admits new sessions against the concurrency ceiling; the
//     check and the count increment are one atomic step.
//   - Runner is the capability surface over the Docker CLI: pull, create,
//     start (retried), port inspection, stop, remove, list-by-label.
//   - Registry is the authoritative in-memory session table, mirrored
//     synchronously to a SQLite Store so sessions survive a restart.
//   - Expirer runs one timer per session plus a periodic sweep; both
//     reclaim through the Dispatcher, on the same path as a manual stop.
//
// # Basic usage
//
//	d := boxd.NewDispatcher(boxd.DispatcherConfig{
//	    Runner: &boxd.DockerRunner{},
//	    Image:  "browserless/chrome:latest",
//	})
//	d.StartSweep()
//
//	view, err := d.Create(ctx, boxd.CreateRequest{TTL: 5 * time.Minute})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	endpoint, _ := d.Resolve(view.ID) // proxy target
//	d.Stop(ctx, view.ID)              // idempotent
//
// # Lifecycle guarantees
//
// A session exists in the registry iff its container was provisioned and
// not yet torn down. At most one reclamation ever executes per session:
// the registry removal is the linearization point, and the loser of a
// stop/timer race observes "already absent" and reports success. Expiry
// only moves forward; a stale timer firing after an extend re-checks the
// expiry under the registry lock and backs off.
//
// # Recovery
//
// Session records are mirrored with their absolute expiry, so a crashed
// daemon's sessions self-expire in the store. On startup, Restore
// re-admits only records still in the future and the orphan sweep
// force-removes labelled containers left in terminal states.
package boxd
