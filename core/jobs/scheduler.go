package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relabs-tech/hotelier/core/logger"
)

// Scheduler raises events on cron schedules. The events go through the queue,
// so with several service instances only one handler runs per tick: all
// instances raise the same compressed event.
type Scheduler struct {
	queue *Queue
	cron  *cron.Cron
}

// NewScheduler returns a scheduler for the queue. Schedules use the standard
// five field cron format and the given location.
func NewScheduler(queue *Queue, location *time.Location) *Scheduler {
	if location == nil {
		location = time.UTC
	}
	return &Scheduler{
		queue: queue,
		cron:  cron.New(cron.WithLocation(location)),
	}
}

// Every raises the event on the cron spec, e.g. "0 6 * * *" for 6am daily. The
// event key is the tick time, so each tick is processed once.
func (s *Scheduler) Every(spec string, event Event) error {
	if !s.queue.HasEventHandler(event.Type) {
		return fmt.Errorf("no callback handler installed for %s", eventJobKey(event.Type))
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule '%s' for %s: %w", spec, event.Type, err)
	}
	s.cron.Schedule(schedule, cron.FuncJob(func() {
		tick := event
		tick.Key = time.Now().UTC().Truncate(time.Minute).Format(time.RFC3339)
		ctx, rlog := logger.ContextWithLogger(context.Background())
		if err := s.queue.RaiseEventIfNotExist(ctx, tick); err != nil {
			rlog.WithError(err).Errorf("Error 4226: cannot raise scheduled event %s", event.Type)
		}
	}))
	logger.Default().Infof("scheduled event %s at '%s'", event.Type, spec)
	return nil
}

// Start starts the scheduler in its own go-routine
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running ticks
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Entries returns the next activation of every schedule
func (s *Scheduler) Entries() []time.Time {
	var next []time.Time
	for _, entry := range s.cron.Entries() {
		next = append(next, entry.Next)
	}
	return next
}
