package worker

import (
	"sync"
	"time"
)

// Ticker delivers scheduling ticks. Tests drive the background loops with a
// manual implementation instead of waiting on the wall clock.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a Ticker firing every d
type TickerFactory func(d time.Duration) Ticker

type realTicker struct {
	t *time.Ticker
}

// NewTicker is the wall-clock TickerFactory
func NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// loop runs fn once immediately and then on every tick until stop is closed.
// A run in progress when stop closes is allowed to finish.
func loop(ticker Ticker, stop <-chan struct{}, fn func()) {
	defer ticker.Stop()

	fn()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			select {
			case <-stop:
				return
			default:
			}
			fn()
		}
	}
}

// lifecycle guards the start/stop state of one background loop
type lifecycle struct {
	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

// start launches run unless the loop is already running
func (l *lifecycle) start(run func(stop <-chan struct{})) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return false
	}
	stop := make(chan struct{})
	l.stop = stop
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		run(stop)
	}()
	return true
}

// halt stops new ticks and waits for the in-flight run
func (l *lifecycle) halt() {
	l.mu.Lock()
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// stopping reports whether halt has been requested for the current run
func stopping(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
