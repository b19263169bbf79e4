// Package schedule provides cron-based triggering of playbook runs.
//
// A Trigger fires a Runner for a fixed set of playbooks according to a cron
// expression. The Manager builds triggers from a compact specification string
// and fans them out, each in its own goroutine, until the context is
// cancelled.
//
// Example usage:
//
//	mgr, err := schedule.NewManager("deploy-web:0 2 * * *", runner, logger, known)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mgr.Start(ctx) // Returns immediately, runs in background
//	<-ctx.Done()   // Wait for shutdown signal
package schedule
