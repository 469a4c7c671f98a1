package sim

import (
	"context"
	"sync"

	"github.com/openbuttnakedgang/holter/internal/device"
)

// Connector hands out links to a simulated device.
type Connector struct {
	Device   *Device
	Identity device.Identity
	// Errors are returned by successive Connect calls before succeeding.
	Errors []error

	mu       sync.Mutex
	attempts int
}

func (c *Connector) Connect(ctx context.Context) (device.Transport, device.Identity, error) {
	c.mu.Lock()
	c.attempts++
	if len(c.Errors) > 0 {
		err := c.Errors[0]
		c.Errors = c.Errors[1:]
		c.mu.Unlock()
		return nil, device.Identity{}, err
	}
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, device.Identity{}, err
	}
	c.Device.open()
	return c.Device, c.Identity, nil
}

// Attempts returns the number of Connect calls so far.
func (c *Connector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}
