// Package scale implements the Scale Sampler: a
// cooperative state machine that paces a load-cell amplifier through
// sample, power-down, and settle windows and publishes one averaged
// weight per window.
package scale

import (
	"time"

	"periph.io/x/periph/conn/gpio"
)

// Chip is the hardware seam over the load-cell amplifier. The production
// implementation bit-bangs an hx711-class chip over two digital pins;
// tests use a deterministic fake.
type Chip interface {
	// PowerUp wakes the chip; a conversion is not valid until the
	// settling window has elapsed.
	PowerUp()
	// PowerDown puts the chip in its low-power state.
	PowerDown()
	// Ready reports whether a conversion result is available. It must
	// not block.
	Ready() bool
	// Read clocks out one signed conversion. Only valid after Ready
	// returned true; a zero result is treated as a failed sample.
	Read() (int32, error)
}

// hx711Chip drives an hx711-class 24-bit load-cell ADC over two GPIO
// pins: a serial clock output and a data-ready/data input. Holding the
// clock high for >60us powers the chip down; data-low signals a ready
// conversion.
type hx711Chip struct {
	clk  gpio.PinIO // PD_SCK
	data gpio.PinIO // DOUT
}

// NewHX711 builds the production Chip from the two wired pins.
func NewHX711(clk, data gpio.PinIO) (Chip, error) {
	if err := clk.Out(gpio.Low); err != nil {
		return nil, err
	}
	if err := data.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, err
	}
	return &hx711Chip{clk: clk, data: data}, nil
}

func (c *hx711Chip) PowerUp() {
	c.clk.Out(gpio.Low)
}

func (c *hx711Chip) PowerDown() {
	c.clk.Out(gpio.High)
	time.Sleep(80 * time.Microsecond)
}

func (c *hx711Chip) Ready() bool {
	return c.data.Read() == gpio.Low
}

// Read clocks out 24 data bits MSB-first plus one gain-select pulse
// (gain 128, channel A), sign-extending the two's-complement result.
func (c *hx711Chip) Read() (int32, error) {
	var raw uint32
	for i := 0; i < 24; i++ {
		c.clk.Out(gpio.High)
		raw <<= 1
		if c.data.Read() == gpio.High {
			raw |= 1
		}
		c.clk.Out(gpio.Low)
	}
	c.clk.Out(gpio.High)
	c.clk.Out(gpio.Low)

	if raw&0x800000 != 0 {
		raw |= 0xFF000000
	}
	return int32(raw), nil
}
