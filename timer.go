// (c) Copyright Procwatch 2025

package governor

import (
	"sync"
	"time"
)

// timer periodically executes the provided job after a delay until it's
// stopped. Any panic occurred inside the job is recovered and logged, so a
// misbehaving tick can never take a polling loop down with it.
type timer struct {
	mu         sync.Mutex
	delayTimer *time.Timer
	done       chan bool
	stopped    bool
	ticker     *time.Ticker
	logger     LeveledLogger
}

func newTimer(delay, interval time.Duration, logger LeveledLogger, job func()) *timer {
	t := &timer{
		done:   make(chan bool),
		logger: logger,
	}

	t.delayTimer = time.AfterFunc(delay, func() {
		defer t.recoverAndLog()

		if interval > 0 {
			t.runTicker(interval, job)
		}

		if delay > 0 {
			job()
		}
	})

	return t
}

func (t *timer) runTicker(interval time.Duration, job func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	t.ticker = time.NewTicker(interval)
	go func() {
		defer t.recoverAndLog()

		for {
			select {
			case <-t.ticker.C:
				job()
			case <-t.done:
				return
			}
		}
	}()
}

// Stop stops the job execution
func (t *timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	t.stopped = true
	t.delayTimer.Stop()

	close(t.done)

	if t.ticker != nil {
		t.ticker.Stop()
	}
}

func (t *timer) recoverAndLog() {
	if err := recover(); err != nil {
		if t.logger != nil {
			t.logger.Error("recovered from panic in timer job: ", err)
		}
	}
}
