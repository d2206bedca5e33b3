package device

import (
	"errors"
	"image/color"

	"tinygo.org/x/drivers/apa102"

	"spiperiph/core"
)

// Strip drives an APA102 LED strip that shares a bus with other devices
type Strip struct {
	leds   *apa102.Device
	colors []color.RGBA
	on     color.RGBA
}

// NewStrip binds a strip of length LEDs to conn. Lit LEDs show on.
func NewStrip(conn *Conn, length int, on color.RGBA) *Strip {
	return &Strip{
		leds:   apa102.New(conn),
		colors: make([]color.RGBA, length),
		on:     on,
	}
}

// Lit returns how many LEDs a level lights: none at 0, all at 255
func (s *Strip) Lit(level uint8) int {
	return int(level) * len(s.colors) / 255
}

// Colors returns the frame last written
func (s *Strip) Colors() []color.RGBA {
	return s.colors
}

// ShowLevel lights the first Lit(level) LEDs as a bar graph. A bus held by
// another device skips the frame.
func (s *Strip) ShowLevel(level uint8) error {
	n := s.Lit(level)
	for i := range s.colors {
		if i < n {
			s.colors[i] = s.on
		} else {
			s.colors[i] = color.RGBA{}
		}
	}
	_, err := s.leds.WriteColors(s.colors)
	if errors.Is(err, core.ErrBusy) {
		return nil
	}
	return err
}
