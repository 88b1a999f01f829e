package models

import (
	"sync"
	"time"
)

// DefaultPollInterval is the monitor's sampling period when none is set.
const DefaultPollInterval = 500 * time.Millisecond

// Monitor samples a byte counter on its own goroutine while a fetch runs.
// It never writes to the cache.
type Monitor struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartMonitor polls probe every interval and passes the result to report.
func StartMonitor(interval time.Duration, expected int64, probe func() int64, report func(present, expected int64)) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	m := &Monitor{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		report(probe(), expected)
		for {
			select {
			case <-m.stop:
				report(probe(), expected)
				return
			case <-ticker.C:
				report(probe(), expected)
			}
		}
	}()
	return m
}

// Stop ends polling after one final sample and waits for the goroutine.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stop) })
	<-m.done
}
