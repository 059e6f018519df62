package main

import (
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/chase3718/lou-piano/keylight"
	"github.com/chase3718/lou-piano/midiin"
)

// initLogger configures the shared slog logger and calls slog.SetDefault so
// the stdlib log package also routes through the same handler.
func initLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: debug, // include file:line in debug mode
	})
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// Mirror mode: every note played on the keyboard lights its own key while
// held. Score-driven preview claims come from a playback engine calling
// AddKey with horizon > 0; this binary only wires the performer side.
func main() {
	debug := flag.Bool("debug", false, "enable debug logging (adds source location)")
	serialDev := flag.String("serial", "/dev/ttyACM0", "serial port device of the LED strip")
	c4light := flag.Int("c4light", 71, "LED index under middle C")
	coeff := flag.Float64("coeff", -2.0, "LEDs per semitone (negative = strip runs right-to-left)")
	latch := flag.Bool("latch", false, "keep played keys dimly lit until release")
	flag.Parse()

	logger := initLogger(*debug)
	logger.Info("lou-piano starting",
		"serial", *serialDev,
		"c4light", *c4light,
		"coeff", *coeff,
		"latch", *latch,
		"debug", *debug,
	)

	ctrl := keylight.New(*serialDev)
	ctrl.SetLogger(logger)
	ctrl.SetC4Light(*c4light)
	ctrl.SetCoeff(*coeff)
	ctrl.SetLatchUntilRelease(*latch)
	defer ctrl.ClearKeys(-1)

	// onNote is called from the MIDI listener goroutine.
	onNote := func(on bool, ch, pitch, velocity int) {
		if !on {
			ctrl.ClearKey(pitch, false)
			return
		}
		// A press resolves a pending claim (live or skip-ahead preview)
		// before it lights anything new.
		if r := ctrl.KeyPressed(pitch, velocity); r >= 0 {
			logger.Debug("claim resolved", "pitch", pitch, "skipped", r)
			return
		}
		ctrl.AddKey(pitch, velocity, ch, 0)
	}

	// onDisconnect: clear the whole strip immediately.
	onDisconnect := func() {
		logger.Warn("midi: disconnect - clearing all key lights")
		ctrl.ClearKeys(-1)
	}

	watcher, err := midiin.NewWatcher(logger, onNote, onDisconnect)
	if err != nil {
		logger.Error("midi watcher init failed", "err", err)
		os.Exit(1)
	}
	defer watcher.Close()

	logger.Info("running - waiting for MIDI keyboard")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		watcher.Tick()
	}
}
