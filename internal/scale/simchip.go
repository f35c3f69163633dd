package scale

import "sync"

// SimChip is a software load cell for development hosts: always ready,
// reporting a settable mass through a fixed conversion gain. The zero
// point sits away from zero so an untouched simulator still produces
// valid (non-zero) conversions.
type SimChip struct {
	mu      sync.Mutex
	powered bool
	massG   float64
}

// SimGain is the simulated raw counts per gram.
const SimGain = 420

// simZeroCounts keeps an empty simulated bowl away from the zero-failure
// sentinel.
const simZeroCounts = 81920

// NewSimChip builds a SimChip with an empty bowl.
func NewSimChip() *SimChip {
	return &SimChip{}
}

// SetMass places mass on the simulated bowl.
func (c *SimChip) SetMass(grams float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.massG = grams
}

func (c *SimChip) PowerUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.powered = true
}

func (c *SimChip) PowerDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.powered = false
}

func (c *SimChip) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.powered
}

func (c *SimChip) Read() (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.powered {
		return 0, nil
	}
	return int32(simZeroCounts + c.massG*SimGain), nil
}
