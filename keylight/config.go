package keylight

// Color table indices for SetColor and ColorFor.
const (
	ColorMistake = 0 // wrong-note marker
	ColorEven    = 1 // even-numbered channels
	ColorOdd     = 2 // odd-numbered channels
)

// SetSerialDevice switches to another serial device, closing any open
// handle. Safe to call at any time; the next light operation reopens lazily.
func (c *Controller) SetSerialDevice(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Info("keylight: serial device changed", "device", name)
	c.link.setDevice(name)
}

// SerialDevice returns the configured serial device name.
func (c *Controller) SerialDevice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link.device
}

// SetC4Light sets the LED index under middle C.
func (c *Controller) SetC4Light(led int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mapper.c4Light = led
}

// C4Light returns the LED index under middle C.
func (c *Controller) C4Light() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mapper.c4Light
}

// SetCoeff sets the LEDs-per-semitone slope; a negative value means the
// strip runs right-to-left over the keyboard.
func (c *Controller) SetCoeff(coeff float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mapper.coeff = coeff
}

// Coeff returns the LEDs-per-semitone slope.
func (c *Controller) Coeff() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mapper.coeff
}

// TuneC4Pitch recalibrates the mapping so the given pitch becomes the new
// middle-C reference. All lights are cleared first: recalibration
// invalidates every position already on the strip.
func (c *Controller) TuneC4Pitch(pitch int) {
	c.ClearKeys(-1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mapper.retune(pitch)
	c.log.Info("keylight: retuned", "pitch", pitch, "c4light", c.mapper.c4Light)
}

// SetColor replaces one of the three color triples (ColorMistake, ColorEven,
// ColorOdd). Out-of-range indices are ignored.
func (c *Controller) SetColor(idx int, r, g, b uint8) {
	if idx < 0 || idx >= len(defaultColors) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.colors[idx] = Color{r, g, b}
}

// ColorFor returns one of the three configured color triples.
func (c *Controller) ColorFor(idx int) Color {
	if idx < 0 || idx >= len(defaultColors) {
		return Color{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.colors[idx]
}

// SetLatchUntilRelease controls what happens when a live key is played:
// latched keys stay dimly lit until their release instead of going dark
// immediately.
func (c *Controller) SetLatchUntilRelease(latch bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latch = latch
}

// LatchUntilRelease reports whether played keys stay lit until release.
func (c *Controller) LatchUntilRelease() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latch
}
