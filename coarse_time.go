package mgo

import (
	"sync/atomic"
	"time"
)

// coarseTimeProvider hands out a cached, periodically refreshed wall-clock
// reading instead of calling time.Now() on every use. ServerSession.LastUse
// is stamped on every checkin, which on a busy
// deployment can be the hottest path in the whole core; a coarse clock with
// a granularity on the order of the registry's idle-expiry safety margin is
// plenty accurate for that purpose.
type coarseTimeProvider struct {
	now   atomic.Int64 // UnixNano
	stop  chan struct{}
	ticker *time.Ticker
}

func newcoarseTimeProvider(granularity time.Duration) *coarseTimeProvider {
	ct := &coarseTimeProvider{
		stop:   make(chan struct{}),
		ticker: time.NewTicker(granularity),
	}
	ct.now.Store(time.Now().UnixNano())
	go ct.run()
	return ct
}

func (ct *coarseTimeProvider) run() {
	for {
		select {
		case t := <-ct.ticker.C:
			ct.now.Store(t.UnixNano())
		case <-ct.stop:
			return
		}
	}
}

// Now returns the most recently captured time, accurate to within one
// granularity period.
func (ct *coarseTimeProvider) Now() time.Time {
	return time.Unix(0, ct.now.Load())
}

// Close stops the background ticker. It must be called at most once.
func (ct *coarseTimeProvider) Close() {
	ct.ticker.Stop()
	close(ct.stop)
}
