package main

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Time windows for the trust and dedup machinery
const (
	// subscriptionWindow is how far back subscriptions reach; seal
	// timestamps are backdated inside the same window
	subscriptionWindow = 48 * time.Hour

	// oldestGrace is how late an inner response may be relative to the
	// last window advance; responses can arrive minutes after publish
	oldestGrace = 60 * time.Second

	// futureGrace tolerates clock skew on the destination side
	futureGrace = 600 * time.Second

	reapInterval   = 10 * time.Minute
	rewindInterval = time.Hour
)

// Clock is the single source of truth for "now" and the replay window.
// The now func is swappable in tests.
type Clock struct {
	now      func() time.Time
	oldest   atomic.Int64
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClock() *Clock {
	c := &Clock{
		now:  time.Now,
		stop: make(chan struct{}),
	}
	c.oldest.Store(c.Unix() - int64(oldestGrace/time.Second))
	return c
}

// Unix returns the current unix timestamp in seconds
func (c *Clock) Unix() int64 {
	return c.now().Unix()
}

// OldestTime is the oldest inner-response timestamp still accepted
func (c *Clock) OldestTime() int64 {
	return c.oldest.Load()
}

// AcceptableFuture is the newest inner-response timestamp still accepted
func (c *Clock) AcceptableFuture() int64 {
	return c.Unix() + int64(futureGrace/time.Second)
}

// Since returns the subscription since parameter, now minus 48 h
func (c *Clock) Since() int64 {
	return c.Unix() - int64(subscriptionWindow/time.Second)
}

// Start runs the periodic window maintenance: every reapInterval the
// oldest-accepted timestamp advances and response dedup entries behind it
// are reaped; every rewindInterval the subscription since is recomputed
// and onRewind re-subscribes and reaps event dedup entries.
func (c *Clock) Start(onReap func(oldest int64), onRewind func(since int64)) {
	go func() {
		reap := time.NewTicker(reapInterval)
		rewind := time.NewTicker(rewindInterval)
		defer reap.Stop()
		defer rewind.Stop()

		for {
			select {
			case <-c.stop:
				return
			case <-reap.C:
				oldest := c.Unix() - int64(oldestGrace/time.Second)
				c.oldest.Store(oldest)
				onReap(oldest)
				slog.Debug("advanced replay window", "oldest", oldest)
			case <-rewind.C:
				since := c.Since()
				onRewind(since)
				slog.Debug("rewound subscriptions", "since", since)
			}
		}
	}()
}

func (c *Clock) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
