package consolidate

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"
)

// Scheduler drives the periodic consolidation runs.
type Scheduler struct {
	cron         *cron.Cron
	consolidator *Consolidator
}

// Schedule holds the cron expressions for each mode.
type Schedule struct {
	Daily   string
	Weekly  string
	Monthly string
}

// DefaultSchedule runs daily at 03:00, weekly Sunday 04:00, monthly on
// the 1st at 05:00.
var DefaultSchedule = Schedule{
	Daily:   "0 3 * * *",
	Weekly:  "0 4 * * 0",
	Monthly: "0 5 1 * *",
}

// NewScheduler wires the consolidator into cron entries.
func NewScheduler(c *Consolidator, sched Schedule) (*Scheduler, error) {
	s := &Scheduler{
		cron:         cron.New(),
		consolidator: c,
	}

	entries := []struct {
		spec string
		mode Mode
	}{
		{sched.Daily, Daily},
		{sched.Weekly, Weekly},
		{sched.Monthly, Monthly},
	}
	for _, e := range entries {
		mode := e.mode
		if _, err := s.cron.AddFunc(e.spec, func() {
			if err := c.Run(context.Background(), mode); err != nil {
				log.Printf("[CONSOLIDATE] Scheduled %s run failed: %v", mode, err)
			}
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
