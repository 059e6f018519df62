package keylight

import "fmt"

// Wire protocol: each command is a single leading character followed by an
// optional hex payload, newline terminated.
//
//	H<led><r><g><b>  set one LED (four two-hex-digit fields)
//	F                apply pending LED changes
//	c                clear all LEDs (also flushes)
//	P                ping, firmware echoes a single 'P'
var (
	cmdFlush    = []byte("F\n")
	cmdClearAll = []byte("c\n")
	cmdPing     = []byte("P\n")
)

const pongByte = 'P'

// Color is one RGB triple as sent to the strip.
type Color struct {
	R, G, B uint8
}

// dim divides each component, used to render preview notes at lower
// intensity than live ones.
func (c Color) dim(div uint8) Color {
	return Color{c.R / div, c.G / div, c.B / div}
}

func encodeSetLight(led int, c Color) []byte {
	return []byte(fmt.Sprintf("H%02x%02x%02x%02x\n", led&0xff, c.R, c.G, c.B))
}
