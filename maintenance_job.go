package main

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gluk-w/termgate/internal/audit"
	"github.com/gluk-w/termgate/internal/security"
	"github.com/gluk-w/termgate/internal/session"
)

// startMaintenanceJobs schedules the background housekeeping: destroying idle
// sessions, garbage-collecting quiet client security state, and enforcing the
// audit retention window. Returns the scheduler so shutdown can stop it.
func startMaintenanceJobs(registry *session.Registry, guard *security.Guard, store *audit.Store, clientStateTTL time.Duration, retentionDays int) *cron.Cron {
	c := cron.New()

	c.AddFunc("@every 1m", func() {
		if n := registry.SweepIdle(); n > 0 {
			log.Printf("[maintenance] destroyed %d idle sessions", n)
		}
	})

	c.AddFunc("@every 10m", func() {
		guard.Sweep(clientStateTTL, registry.HasSessionsFor)
	})

	c.AddFunc("@daily", func() {
		store.PurgeOlderThan(retentionDays)
	})

	c.Start()
	return c
}
