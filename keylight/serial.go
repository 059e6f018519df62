package keylight

import (
	"fmt"
	"log/slog"
	"time"

	"go.bug.st/serial"
)

const (
	baudRate    = 115200
	readTimeout = 100 * time.Millisecond

	// The firmware prints "PianoTutor v1.0 is ready!" after reset.
	bannerLen     = 25
	bannerTimeout = 2 * time.Second

	// Upper bound on the ping/pong spin before a command is abandoned.
	handshakeTimeout = 5 * time.Second

	writeRetries = 2
)

// Channel is the raw byte link to the LED strip controller. The production
// implementation wraps a serial port; tests substitute an in-memory fake.
// Read blocks for at most the given timeout and returns 0 bytes on expiry.
type Channel interface {
	Open(name string) error
	Read(p []byte, timeout time.Duration) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// portChannel is the go.bug.st/serial backed Channel.
type portChannel struct {
	port serial.Port
}

func (p *portChannel) Open(name string) error {
	port, err := serial.Open(name, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return fmt.Errorf("serial: open %s: %w", name, err)
	}
	p.port = port
	return nil
}

func (p *portChannel) Read(buf []byte, timeout time.Duration) (int, error) {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, fmt.Errorf("serial: set read timeout: %w", err)
	}
	return p.port.Read(buf)
}

func (p *portChannel) Write(buf []byte) (int, error) {
	return p.port.Write(buf)
}

func (p *portChannel) Close() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

// link owns the Channel and implements the open/handshake/retry discipline.
// It has no lock of its own: every method requires the controller lock to be
// held, which also serializes all serial I/O.
type link struct {
	ch     Channel
	device string
	opened bool
	log    *slog.Logger

	sleep            func(time.Duration)
	handshakeTimeout time.Duration
}

// ensureOpen lazily opens the device. A missing or unplugged device is not
// an error for callers: light operations simply degrade to no-ops until the
// link recovers or the device name changes.
func (l *link) ensureOpen(_ locked) bool {
	if l.opened {
		return true
	}
	if err := l.ch.Open(l.device); err != nil {
		l.log.Debug("keylight: serial open failed", "device", l.device, "err", err)
		return false
	}
	l.drainBanner()
	l.sleep(10 * time.Millisecond)
	l.opened = true
	l.log.Info("keylight: serial port opened", "device", l.device, "baud", baudRate)
	return true
}

// drainBanner consumes the ready banner the firmware prints on reset. If the
// device was already running (no reset on open) the banner never arrives, so
// the drain is bounded by a deadline rather than treated as fatal.
func (l *link) drainBanner() {
	deadline := time.Now().Add(bannerTimeout)
	buf := make([]byte, 1)
	for toRead := bannerLen; toRead > 0 && time.Now().Before(deadline); {
		n, err := l.ch.Read(buf, readTimeout)
		if err != nil {
			l.log.Warn("keylight: banner read failed", "err", err)
			return
		}
		toRead -= n
	}
}

// send performs the ping/pong handshake and then writes one command. On a
// write failure the port is closed and reopened a bounded number of times
// before the command is abandoned; the caller's in-memory state is never
// rolled back, so a lost command leaves the strip stale until the next
// update.
func (l *link) send(lk locked, cmd []byte) {
	if !l.handshake() {
		l.invalidate()
		return
	}
	retries := writeRetries
	for len(cmd) > 0 {
		n, err := l.ch.Write(cmd)
		if err != nil {
			l.log.Warn("keylight: serial write failed", "device", l.device, "err", err)
			l.invalidate()
			if retries > 0 && l.ensureOpen(lk) {
				retries--
				continue
			}
			return
		}
		cmd = cmd[n:]
	}
}

// handshake pings until the firmware echoes 'P'. The device buffers only a
// single byte in hardware and stops draining while it repaints the strip, so
// every command waits for an echo first. This spin-waits with the controller
// lock held; the link is low-traffic and the wait is bounded by
// handshakeTimeout.
func (l *link) handshake() bool {
	deadline := time.Now().Add(l.handshakeTimeout)
	buf := make([]byte, 1)
	for {
		if _, err := l.ch.Write(cmdPing); err != nil {
			l.log.Warn("keylight: ping write failed", "device", l.device, "err", err)
			return false
		}
		n, err := l.ch.Read(buf, readTimeout)
		if err != nil {
			l.log.Warn("keylight: ping read failed", "device", l.device, "err", err)
			return false
		}
		if n == 1 && buf[0] == pongByte {
			return true
		}
		if !time.Now().Before(deadline) {
			l.log.Warn("keylight: device not answering ping", "device", l.device)
			return false
		}
	}
}

func (l *link) invalidate() {
	_ = l.ch.Close()
	l.opened = false
}

// setDevice switches the serial device, closing any open handle. The next
// light operation reopens lazily.
func (l *link) setDevice(name string) {
	if l.opened {
		l.invalidate()
	}
	l.device = name
}
