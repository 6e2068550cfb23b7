package main

import (
	"github.com/go-co-op/gocron"
	"sync"
	"time"
)

// Poller runs a verification tick at a fixed interval, never overlapping itself.
type Poller struct {
	scheduler *gocron.Scheduler
	stopOnce  sync.Once
}

func newPoller() *Poller {
	return &Poller{scheduler: gocron.NewScheduler(time.UTC)}
}

func (poller *Poller) start(interval time.Duration, tick func()) error {
	if _, err := poller.scheduler.Every(interval).SingletonMode().Do(tick); err != nil {
		return err
	}

	poller.scheduler.StartAsync()
	return nil
}

func (poller *Poller) stop() {
	poller.stopOnce.Do(poller.scheduler.Stop)
}
