package monitor

import (
	"context"
	"sync"
	"time"
)

// Coordinator is the single place reclamation runs from. It checks memory pressure on a fixed
// interval and whenever it is nudged; nudges arriving while a check is pending are coalesced.
type Coordinator struct {
	monitor  *Monitor
	interval time.Duration
	nudge    chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	onCheck  func(fired bool)
}

// StartCoordinator launches the background goroutine. Stop it with Stop or by cancelling ctx.
// onCheck, when not nil, is called after every check with its outcome.
func (m *Monitor) StartCoordinator(ctx context.Context, interval time.Duration, onCheck func(fired bool)) *Coordinator {
	ctx, cancel := context.WithCancel(ctx)
	c := &Coordinator{
		monitor:  m,
		interval: interval,
		nudge:    make(chan struct{}, 1),
		cancel:   cancel,
		onCheck:  onCheck,
	}
	c.wg.Add(1)
	go c.run(ctx)
	return c
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()
	ticker := c.monitor.clock.Ticker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.nudge:
		}
		fired := c.monitor.ReactiveReclaim()
		if c.onCheck != nil {
			c.onCheck(fired)
		}
	}
}

// Nudge requests a check without waiting for it.
func (c *Coordinator) Nudge() {
	select {
	case c.nudge <- struct{}{}:
	default:
	}
}

// Stop terminates the goroutine and waits for it to exit.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}
