// Package testtimex provides a timex.Clock whose time only moves when the
// test advances it. Sleep does not block; it advances the clock and fires any
// tickers that have come due, which makes bounded-wait loops deterministic.
package testtimex

import (
	"sync"
	"time"

	"github.com/tracekit/reqtrace-go/internal/timex"
)

func NewClock(start time.Time) timex.Clock {
	return &clock{
		now:  start,
		lock: &sync.Mutex{},
	}
}

type clock struct {
	now     time.Time
	lock    *sync.Mutex
	tickers []*ticker
}

func (c *clock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.now
}

func (c *clock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	c.now = c.now.Add(d)

	for _, t := range c.tickers {
		go t.send(c.now)
	}
}

func (c *clock) Since(t time.Time) time.Duration {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.now.Sub(t)
}

func (c *clock) NewTicker(d time.Duration) timex.Ticker {
	if d <= 0 {
		panic("duration must be > 0")
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	t := &ticker{
		lock: &sync.Mutex{},
		c:    make(chan time.Time),
		d:    d,
		next: c.now.Add(d),
	}
	c.tickers = append(c.tickers, t)

	return t
}

type ticker struct {
	lock   *sync.Mutex
	c      chan time.Time
	d      time.Duration
	next   time.Time
	closed bool
}

func (t *ticker) C() <-chan time.Time {
	return t.c
}

func (t *ticker) Stop() {
	t.lock.Lock()
	defer t.lock.Unlock()

	if !t.closed {
		t.closed = true
		close(t.c)
	}
}

func (t *ticker) send(now time.Time) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return
	}

	if !t.next.After(now) {
		t.next = t.next.Add(t.d)
		t.c <- now
	}
}
