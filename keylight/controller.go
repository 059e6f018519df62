// Package keylight drives an addressable LED strip mounted over a piano
// keyboard, one light per key, through an Arduino on a serial link. It
// tracks which source currently owns each key's light -- a live note being
// played right now, a preview of a note coming up, or a "wrong note"
// marker -- and arbitrates overlapping claims by horizon and velocity.
//
// All public operations are safe to call from independent goroutines,
// including real-time MIDI callbacks: one controller-wide mutex serializes
// state mutation and serial I/O.
package keylight

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// Delay before a coalesced flush after a key-press resolution, letting
	// a burst of quick updates batch into one strip repaint.
	flushDelay = 5 * time.Millisecond

	// A preview claim released less than this long ago is treated as a
	// near-simultaneous collision and cleared again right after lighting.
	flickerWindow = 100 * time.Millisecond
)

// ownerKind says which kind of claim, if any, holds a key's light.
type ownerKind uint8

const (
	slotUnused ownerKind = iota
	// slotPressed marks a forced light outside the arbitration rules:
	// either a mistake marker or a played note latched until its release.
	// It is never counted in numCurrent.
	slotPressed
	slotClaimed
)

// keySlot is the light-owner state for one pitch. Fields other than kind
// are meaningful only while kind == slotClaimed.
type keySlot struct {
	kind     ownerKind
	velocity int
	channel  int
	horizon  int // 0 = live note, >0 = preview, larger = further out

	// claimedAt is set when a preview claim is released early, to detect
	// a live claim landing on the same key moments later.
	claimedAt time.Time
}

// locked is an ownership token: holding a value proves the controller mutex
// is held. Internal helpers that require the lock take one, so they cannot
// be called from an unlocked path by mistake. Only the exported operations
// mint it, immediately after acquiring the mutex.
type locked struct{}

// Controller owns the per-key state table and the serial link.
type Controller struct {
	mu    sync.Mutex
	slots [256]keySlot // addressed by pitch & 0xff

	// numCurrent counts slots holding a live claim (slotClaimed with
	// horizon 0); Size reports it.
	numCurrent int

	needsFlush bool
	link       *link
	mapper     pitchMapper
	colors     [3]Color // mistakes, even channels, odd channels
	latch      bool     // keep pressed keys dimly lit until release
	log        *slog.Logger

	now      func() time.Time
	schedule func(d time.Duration, fn func())
}

var defaultColors = [3]Color{
	{16, 0, 0},  // mistakes
	{16, 0, 16}, // even channels
	{0, 16, 16}, // odd channels
}

// New returns a controller for the given serial device. The device is not
// opened until the first light operation needs it.
func New(device string) *Controller {
	log := slog.Default()
	return &Controller{
		link: &link{
			ch:               &portChannel{},
			device:           device,
			log:              log,
			sleep:            time.Sleep,
			handshakeTimeout: handshakeTimeout,
		},
		mapper: pitchMapper{c4Light: 71, coeff: -2.0},
		colors: defaultColors,
		log:    log,
		now:    time.Now,
		schedule: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// SetLogger replaces the controller's logger (defaults to slog.Default()).
func (c *Controller) SetLogger(log *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = log
	c.link.log = log
}

// AddKey claims or updates the light for a pitch. velocity 0 is a release
// and is forwarded to ClearKey. channel -1 is the mistake marker: it always
// lights the mistake color, bypassing arbitration. horizon 0 is a live note;
// larger horizons are previews further in the future and lose to smaller
// ones, with higher velocity breaking ties. A losing claim is dropped
// without touching the slot or the strip.
func (c *Controller) AddKey(pitch, velocity, channel, horizon int) {
	if velocity == 0 {
		c.ClearKey(pitch, false)
		return
	}
	pitch &= 0xff
	c.mu.Lock()
	defer c.mu.Unlock()
	lk := locked{}
	n := &c.slots[pitch]
	if n.kind == slotClaimed && velocity == n.velocity && channel == n.channel && horizon == n.horizon {
		return
	}
	c.log.Debug("keylight: addKey", "pitch", pitch, "velocity", velocity, "channel", channel, "horizon", horizon)
	if channel == -1 {
		c.setLight(lk, pitch, channel, 0)
		*n = keySlot{kind: slotPressed, channel: -1}
		return
	}
	var prev time.Time
	if n.kind == slotClaimed {
		if horizon == 0 && n.horizon > 0 {
			// A live note displaces a preview of the same key.
			c.numCurrent++
			prev = n.claimedAt
		} else if horizon > n.horizon || (horizon == n.horizon && velocity < n.velocity) {
			return
		}
	} else if horizon == 0 {
		c.numCurrent++
	}
	*n = keySlot{kind: slotClaimed, velocity: velocity, channel: channel, horizon: horizon}
	c.setLight(lk, pitch, channel, horizon)

	// A preview released under flickerWindow ago means the performer
	// already played this key: light it, then turn it right back off, so
	// the collision shows as a brief flash at most.
	if !prev.IsZero() && c.now().Sub(prev) < flickerWindow {
		c.clearLight(lk, pitch)
		c.numCurrent--
		*n = keySlot{}
	}
}

// ClearKey releases a pitch's claim. For a preview claim nothing is cleared:
// with mark set the release time is recorded instead, feeding the
// anti-flicker rule in AddKey; without it the preview stays lit.
func (c *Controller) ClearKey(pitch int, mark bool) {
	pitch &= 0xff
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearKey(locked{}, pitch, mark)
}

func (c *Controller) clearKey(lk locked, pitch int, mark bool) {
	c.log.Debug("keylight: clearKey", "pitch", pitch, "mark", mark)
	n := &c.slots[pitch]
	switch {
	case n.kind == slotPressed:
		// numCurrent was already decremented when the slot was latched.
		c.clearLight(lk, pitch)
		*n = keySlot{}
	case n.kind == slotClaimed && n.horizon == 0:
		c.clearLight(lk, pitch)
		c.numCurrent--
		*n = keySlot{}
	case n.kind == slotClaimed && mark:
		n.claimedAt = c.now()
	}
}

// ClearKeys clears every claim on the given channel, or all claims when
// channel is -1 (one "clear all" command on the wire, which also flushes).
func (c *Controller) ClearKeys(channel int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lk := locked{}
	if channel == -1 {
		c.log.Info("keylight: clearing all keys")
		if c.link.ensureOpen(lk) {
			c.link.send(lk, cmdClearAll)
			c.needsFlush = false
		}
		for i := range c.slots {
			c.slots[i] = keySlot{}
		}
		c.numCurrent = 0
		return
	}
	c.log.Info("keylight: clearing keys", "channel", channel)
	for i := range c.slots {
		n := &c.slots[i]
		if n.kind == slotUnused || n.channel != channel {
			continue
		}
		if n.kind == slotClaimed && n.horizon == 0 {
			c.numCurrent--
		}
		c.clearLight(lk, i)
		*n = keySlot{}
	}
	c.flush(lk)
}

// KeyPressed reports that the performer physically struck a key. It returns
// -1 when the press means nothing to the light state, 0 when it resolved a
// live claim, or the claim's horizon when it skipped ahead onto a preview
// (only allowed while no live claims are pending). Resolutions schedule a
// deferred, coalesced flush rather than flushing inline.
func (c *Controller) KeyPressed(pitch, velocity int) int {
	if velocity == 0 {
		return -1
	}
	pitch &= 0xff
	c.mu.Lock()
	defer c.mu.Unlock()
	lk := locked{}
	n := &c.slots[pitch]
	switch {
	case n.kind != slotClaimed:
		return -1
	case n.horizon == 0:
		if c.latch {
			c.log.Debug("keylight: key latched until release", "pitch", pitch)
			n.kind = slotPressed
			c.setLatchedLight(lk, pitch)
		} else {
			c.log.Debug("keylight: key resolved", "pitch", pitch)
			c.clearLight(lk, pitch)
			*n = keySlot{}
		}
		c.numCurrent--
		c.scheduleFlush()
		return 0
	case c.numCurrent == 0:
		h := n.horizon
		c.log.Debug("keylight: skipping ahead to preview", "pitch", pitch, "horizon", h)
		c.clearKey(lk, pitch, true)
		c.scheduleFlush()
		return h
	default:
		return -1
	}
}

// Flush pushes an apply command to the strip if any light was changed since
// the last flush.
func (c *Controller) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flush(locked{})
}

func (c *Controller) flush(lk locked) {
	if !c.needsFlush {
		return
	}
	if !c.link.ensureOpen(lk) {
		return
	}
	c.link.send(lk, cmdFlush)
	c.needsFlush = false
}

// Size returns the number of live claims still pending.
func (c *Controller) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numCurrent
}

// scheduleFlush arranges a flush-if-dirty shortly after the caller releases
// the lock. If something else flushed in the interim the callback is a
// no-op, so bursts of key events collapse into a single repaint.
func (c *Controller) scheduleFlush() {
	c.schedule(flushDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.flush(locked{})
	})
}

func (c *Controller) setLight(lk locked, pitch, channel, horizon int) {
	if !c.link.ensureOpen(lk) {
		return
	}
	col := c.colors[0]
	if channel != -1 {
		col = c.colors[1+channel%2]
	}
	if horizon > 0 {
		col = col.dim(8)
	}
	c.link.send(lk, encodeSetLight(c.mapper.lightFor(pitch), col))
	c.needsFlush = true
}

func (c *Controller) clearLight(lk locked, pitch int) {
	if !c.link.ensureOpen(lk) {
		return
	}
	c.link.send(lk, encodeSetLight(c.mapper.lightFor(pitch), Color{}))
	c.needsFlush = true
}

// setLatchedLight renders a pressed-and-held key dark grey until release.
func (c *Controller) setLatchedLight(lk locked, pitch int) {
	if !c.link.ensureOpen(lk) {
		return
	}
	c.link.send(lk, encodeSetLight(c.mapper.lightFor(pitch), Color{2, 2, 2}))
	c.needsFlush = true
}
