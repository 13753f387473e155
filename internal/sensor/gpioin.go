package sensor

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/sweeney/zone-controller/internal/model"
)

// KindGPIOIn is the interface kind for digital inputs.
const KindGPIOIn = "gpio-in"

// GPIOInDriver reads digital inputs through periph.io.
// Addresses are BCM numbers ("17") or periph pin names ("GPIO17").
// A high level reads as 1, low as 0.
type GPIOInDriver struct {
	once    sync.Once
	initErr error
	lookup  func(name string) gpio.PinIO
}

// NewGPIOInDriver creates a driver using the periph pin registry.
func NewGPIOInDriver() *GPIOInDriver {
	return &GPIOInDriver{lookup: gpioreg.ByName}
}

func (g *GPIOInDriver) init() error {
	g.once.Do(func() {
		if _, err := host.Init(); err != nil {
			g.initErr = fmt.Errorf("periph host init: %w", err)
		}
	})
	return g.initErr
}

// Read samples the pin level.
func (g *GPIOInDriver) Read(ctx context.Context, address string) (model.Reading, error) {
	if err := ctx.Err(); err != nil {
		return model.Reading{}, err
	}
	if err := g.init(); err != nil {
		return model.Reading{}, err
	}
	name := address
	if _, err := strconv.Atoi(address); err == nil {
		name = "GPIO" + address
	}
	p := g.lookup(name)
	if p == nil {
		return model.Reading{}, fmt.Errorf("unknown pin %q", name)
	}
	if p.Read() == gpio.High {
		return model.Reading{Value: 1}, nil
	}
	return model.Reading{Value: 0}, nil
}
