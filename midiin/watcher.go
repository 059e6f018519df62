// Package midiin connects a digital piano's MIDI output to the key-light
// controller. It monitors available MIDI inputs, auto-connects to a keyboard
// and survives hot-plug: a device appearing or disappearing mid-session is
// handled without restarting.
package midiin

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// PreferredPatterns: devices matching any of these are picked first.
var PreferredPatterns = []string{"Piano", "Digital", "Roland", "Yamaha", "Kawai"}

// ExcludedPatterns: virtual/system ports that are never auto-connected.
var ExcludedPatterns = []string{"Midi Through", "Through Port", "Dummy"}

const rescanInterval = 1000 * time.Millisecond

// NoteFunc receives every NoteOn/NoteOff from the connected keyboard.
// on is false for a release; a NoteOn with velocity 0 is reported as a
// release with velocity 0.
type NoteFunc func(on bool, channel, pitch, velocity int)

// Watcher maintains a connection to the preferred MIDI input device.
//
// onNote is called from the MIDI listener goroutine. onDisconnect is called
// (from a new goroutine) when the active device is lost; callers should use
// it to clear all key lights immediately.
type Watcher struct {
	mu           sync.Mutex
	drv          *rtmididrv.Driver
	inPort       drivers.In
	stopFn       func()
	connected    bool
	selectedName string
	lastRescanAt time.Time
	log          *slog.Logger

	onNote       NoteFunc
	onDisconnect func()
}

// NewWatcher creates a watcher and initialises the underlying rtmidi driver.
// Call Close() when done.
func NewWatcher(log *slog.Logger, onNote NoteFunc, onDisconnect func()) (*Watcher, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("rtmididrv: %w", err)
	}
	return &Watcher{
		drv:          drv,
		log:          log,
		onNote:       onNote,
		onDisconnect: onDisconnect,
	}, nil
}

// Close shuts down the active MIDI connection and the rtmidi driver.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeConn()
	w.drv.Close()
}

// Connected reports whether a keyboard is currently attached.
func (w *Watcher) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Tick should be called on a regular interval (e.g. every second) from the
// main loop. It scans for devices, auto-connects to a preferred one, and
// detects disappearances.
func (w *Watcher) Tick() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if !w.lastRescanAt.IsZero() && now.Sub(w.lastRescanAt) < rescanInterval {
		return
	}
	w.lastRescanAt = now

	inputs := w.listInputs()

	if w.connected {
		for _, n := range inputs {
			if n == w.selectedName {
				return // still there, nothing to do
			}
		}
		w.log.Warn("midi: keyboard disappeared", "device", w.selectedName)
		w.closeConn()
		w.lastRescanAt = time.Time{} // rescan immediately next tick
		if w.onDisconnect != nil {
			go w.onDisconnect()
		}
		return
	}

	if len(inputs) == 0 {
		return
	}
	cand, ok := w.pickPreferred(inputs)
	if !ok {
		return
	}
	if err := w.openByName(cand); err != nil {
		w.log.Error("midi: connect failed", "device", cand, "err", err)
	}
}

func (w *Watcher) listInputs() []string {
	ins, err := w.drv.Ins()
	if err != nil {
		w.log.Error("midi: list inputs failed", "err", err)
		return nil
	}
	var names []string
	for _, in := range ins {
		name := in.String()
		excluded := false
		for _, pat := range ExcludedPatterns {
			if containsCI(name, pat) {
				excluded = true
				break
			}
		}
		if excluded {
			w.log.Debug("midi: input excluded", "device", name)
		} else {
			names = append(names, name)
		}
	}
	w.log.Debug("midi: inputs found", "count", len(names), "devices", strings.Join(names, ", "))
	return names
}

func (w *Watcher) pickPreferred(inputs []string) (string, bool) {
	for _, pat := range PreferredPatterns {
		for _, name := range inputs {
			if containsCI(name, pat) {
				return name, true
			}
		}
	}
	if len(inputs) == 1 {
		return inputs[0], true
	}
	return "", false
}

func (w *Watcher) closeConn() {
	if w.stopFn != nil {
		w.stopFn()
		w.stopFn = nil
	}
	if w.inPort != nil {
		_ = w.inPort.Close()
		w.inPort = nil
	}
	w.connected = false
	w.selectedName = ""
}

func (w *Watcher) openByName(name string) error {
	ins, err := w.drv.Ins()
	if err != nil {
		return err
	}
	var found drivers.In
	for _, in := range ins {
		if in.String() == name {
			found = in
			break
		}
	}
	if found == nil {
		return fmt.Errorf("input %q not found", name)
	}
	if err := found.Open(); err != nil {
		return fmt.Errorf("open %q: %w", name, err)
	}

	stop, err := midi.ListenTo(found, func(msg midi.Message, _ int32) {
		var ch, key, vel uint8
		if msg.GetNoteStart(&ch, &key, &vel) {
			w.log.Debug("midi: note on", "ch", ch, "key", key, "vel", vel)
			w.onNote(true, int(ch), int(key), int(vel))
		} else if msg.GetNoteEnd(&ch, &key) {
			w.log.Debug("midi: note off", "ch", ch, "key", key)
			w.onNote(false, int(ch), int(key), 0)
		} else {
			w.log.Debug("midi: unhandled message", "msg", msg.String())
		}
	}, midi.HandleError(func(listenErr error) {
		w.log.Warn("midi: listener error", "device", name, "err", listenErr)
		// Must not call closeConn from within the listener goroutine, so
		// we dispatch to a new goroutine and re-acquire the mutex.
		go func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if w.connected && w.selectedName == name {
				w.closeConn()
				w.lastRescanAt = time.Time{} // trigger immediate rescan
				if w.onDisconnect != nil {
					go w.onDisconnect()
				}
			}
		}()
	}))
	if err != nil {
		_ = found.Close()
		return fmt.Errorf("listen %q: %w", name, err)
	}

	w.inPort = found
	w.stopFn = stop
	w.connected = true
	w.selectedName = name
	w.log.Info("midi: keyboard connected", "device", name)
	return nil
}

func containsCI(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
