package keylight

import (
	"errors"
	"io"
	"log/slog"
	"time"
)

// fakeChannel is an in-memory Channel: it replays the firmware ready banner
// after every open and answers every ping with a pong, unless told to
// misbehave.
type fakeChannel struct {
	openErr    error
	failWrites int  // fail the next N non-ping writes
	mute       bool // never answer pings

	banner   []byte
	opens    int
	closes   int
	openName string
	writes   []string
}

func (f *fakeChannel) Open(name string) error {
	f.opens++
	f.openName = name
	if f.openErr != nil {
		return f.openErr
	}
	f.banner = []byte("PianoTutor v1.0 is ready!")
	return nil
}

func (f *fakeChannel) Read(p []byte, _ time.Duration) (int, error) {
	if len(f.banner) > 0 {
		p[0] = f.banner[0]
		f.banner = f.banner[1:]
		return 1, nil
	}
	if f.mute {
		return 0, nil
	}
	p[0] = pongByte
	return 1, nil
}

func (f *fakeChannel) Write(p []byte) (int, error) {
	if f.failWrites > 0 && string(p) != string(cmdPing) {
		f.failWrites--
		return 0, errors.New("input/output error")
	}
	f.writes = append(f.writes, string(p))
	return len(p), nil
}

func (f *fakeChannel) Close() error {
	f.closes++
	return nil
}

// commands returns everything written except handshake pings.
func (f *fakeChannel) commands() []string {
	var out []string
	for _, w := range f.writes {
		if w != string(cmdPing) {
			out = append(out, w)
		}
	}
	return out
}

// flushQueue captures deferred flush callbacks so tests fire them after the
// triggering call has returned, the way the real timer does.
type flushQueue struct {
	fns []func()
}

func (q *flushQueue) schedule(_ time.Duration, fn func()) {
	q.fns = append(q.fns, fn)
}

func (q *flushQueue) fire() int {
	fns := q.fns
	q.fns = nil
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

func newTestController(f *fakeChannel) (*Controller, *flushQueue) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := &flushQueue{}
	c := &Controller{
		link: &link{
			ch:               f,
			device:           "fake0",
			log:              log,
			sleep:            func(time.Duration) {},
			handshakeTimeout: time.Second,
		},
		mapper:   pitchMapper{c4Light: 71, coeff: -2.0},
		colors:   defaultColors,
		log:      log,
		now:      time.Now,
		schedule: q.schedule,
	}
	return c, q
}

// recount derives the live-claim count straight from the slot table, as a
// consistency check against the cached counter.
func recount(c *Controller) int {
	n := 0
	for _, s := range c.slots {
		if s.kind == slotClaimed && s.horizon == 0 {
			n++
		}
	}
	return n
}
