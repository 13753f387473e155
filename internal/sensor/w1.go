package sensor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sweeney/zone-controller/internal/model"
)

// KindDS18x20 is the interface kind for one-wire temperature probes.
const KindDS18x20 = "ds18x20"

// DefaultW1Root is where the kernel w1 bus exposes its slaves.
const DefaultW1Root = "/sys/bus/w1/devices"

// W1Driver reads DS18x20 probes through the kernel w1-therm driver.
// Addresses are slave ids such as "28-000005e2fdc3".
type W1Driver struct {
	Root string
}

// NewW1Driver creates a driver rooted at root, or DefaultW1Root if empty.
func NewW1Driver(root string) *W1Driver {
	if root == "" {
		root = DefaultW1Root
	}
	return &W1Driver{Root: root}
}

// Read returns the probe temperature in degrees Celsius.
// A conversion takes up to 750ms, so reads honour ctx.
func (w *W1Driver) Read(ctx context.Context, address string) (model.Reading, error) {
	if address == "" || strings.ContainsAny(address, `/\`) {
		return model.Reading{}, fmt.Errorf("invalid w1 address %q", address)
	}
	path := filepath.Join(w.Root, address, "w1_slave")
	return blocking(ctx, func() (model.Reading, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return model.Reading{}, err
		}
		c, err := parseW1Slave(data)
		if err != nil {
			return model.Reading{}, fmt.Errorf("%s: %w", path, err)
		}
		return model.Reading{Value: c, Unit: "C"}, nil
	})
}

var errCRC = errors.New("crc check failed")

// parseW1Slave parses the two-line w1_slave format:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
func parseW1Slave(data []byte) (float64, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	if !sc.Scan() {
		return 0, errors.New("empty w1_slave")
	}
	if !strings.HasSuffix(strings.TrimSpace(sc.Text()), "YES") {
		return 0, errCRC
	}
	if !sc.Scan() {
		return 0, errors.New("missing temperature line")
	}
	line := sc.Text()
	i := strings.LastIndex(line, "t=")
	if i < 0 {
		return 0, errors.New("missing t= field")
	}
	milli, err := strconv.Atoi(strings.TrimSpace(line[i+2:]))
	if err != nil {
		return 0, fmt.Errorf("parse temperature: %w", err)
	}
	// 85000 is the power-on reset value: the probe never converted.
	if milli == 85000 {
		return 0, errors.New("probe reported power-on reset value")
	}
	return float64(milli) / 1000, nil
}
