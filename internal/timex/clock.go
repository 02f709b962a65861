package timex

import "time"

// Clock abstracts time reads and waits so components with bounded waits can
// be tested against a manually advanced clock instead of real sleeps.
type Clock interface {
	Now() time.Time
	Sleep(time.Duration)
	Since(time.Time) time.Duration
	NewTicker(time.Duration) Ticker
}

// Ticker mirrors time.Ticker behind an interface so fakes can drive it.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

func NewClock() Clock {
	return clock{}
}

type clock struct{}

func (c clock) Now() time.Time {
	return time.Now()
}

func (c clock) Sleep(d time.Duration) {
	time.Sleep(d)
}

func (c clock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (c clock) NewTicker(d time.Duration) Ticker {
	return &ticker{t: time.NewTicker(d)}
}

type ticker struct {
	t *time.Ticker
}

func (t *ticker) C() <-chan time.Time {
	return t.t.C
}

func (t *ticker) Stop() {
	t.t.Stop()
}
