package jobs

import (
	"context"
	"time"

	"stbmux/work/logger"
)

// configRecheck is how often a disabled timer re-reads its interval in case
// configuration changed.
const configRecheck = time.Hour

// PortalLister supplies the enabled portal ids for refresh-all ticks.
type PortalLister func(ctx context.Context) ([]string, error)

// StartTimers launches the periodic refresh timers. Each timer re-reads its
// interval every cycle; a zero interval parks the timer for an hour before
// checking again. Both goroutines exit when the scheduler stops.
func (s *Scheduler) StartTimers(refreshInterval, epgInterval func() time.Duration, portals PortalLister) {
	go s.timerLoop("refreshAll", refreshInterval, func() {
		ids, err := portals(context.Background())
		if err != nil {
			logger.Error("{jobs - StartTimers} failed to list portals: %v", err)
			return
		}
		s.EnqueueRefreshAll(ids, "interval timer")
	})

	go s.timerLoop("epgRefresh", epgInterval, func() {
		s.EnqueueEpgRefresh("interval timer")
	})
}

func (s *Scheduler) timerLoop(name string, interval func() time.Duration, fire func()) {
	for {
		d := interval()
		if d <= 0 {
			// disabled; look again in an hour
			select {
			case <-s.stopChan:
				return
			case <-time.After(configRecheck):
			}
			continue
		}

		select {
		case <-s.stopChan:
			return
		case <-time.After(d):
			logger.Debug("{jobs - timerLoop} %s timer fired", name)
			fire()
		}
	}
}
