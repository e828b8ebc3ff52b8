package orchestrator

import (
	"context"
	"sync"
	"time"
)

type loopTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) loopTicker

func newTimeTicker(d time.Duration) loopTicker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// startLoop runs fn on every tick until ctx is done. The returned function
// stops the loop and waits for an in-flight fn to return.
func startLoop(ctx context.Context, newTicker tickerFactory, interval time.Duration, fn func(context.Context)) func() {
	loopCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C():
				fn(loopCtx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
