package lumentree

import (
	"sync"
	"time"
)

// Poller calls tick once right away and then every interval until stopped.
type Poller struct {
	interval time.Duration
	tick     func()
	once     sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// StartPoller starts the loop in its own goroutine.
func StartPoller(interval time.Duration, tick func()) *Poller {
	p := &Poller{
		interval: interval,
		tick:     tick,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Poller) run() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if !p.fire() {
		return
	}
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if !p.fire() {
				return
			}
		}
	}
}

func (p *Poller) fire() bool {
	select {
	case <-p.stopCh:
		return false
	default:
	}
	p.tick()
	return true
}

// Cancel asks the loop to exit without waiting for it.
func (p *Poller) Cancel() {
	p.once.Do(func() {
		close(p.stopCh)
	})
}

// Stop cancels the loop and waits until no tick is running. It must not be
// called from inside tick.
func (p *Poller) Stop() {
	p.Cancel()
	<-p.doneCh
}

func (p *Poller) Done() <-chan struct{} {
	return p.doneCh
}
