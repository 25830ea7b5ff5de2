// Package gpio exposes digital input lines, such as a sensor's
// end-of-conversion signal.
package gpio

import (
	"fmt"
	"strconv"
	"strings"
)

// InputConfig names an input line. Line is either a line name ("GPIO17")
// or a numeric offset on Chip.
type InputConfig struct {
	Chip      string
	Line      string
	ActiveLow bool
	Consumer  string
}

func (c InputConfig) chipPath() string {
	chip := strings.TrimSpace(c.Chip)
	if chip == "" {
		chip = "gpiochip0"
	}
	if !strings.HasPrefix(chip, "/") {
		chip = "/dev/" + chip
	}
	return chip
}

// offset returns the numeric line offset, or ok=false when Line is a name.
func (c InputConfig) offset() (int, bool, error) {
	s := strings.TrimSpace(c.Line)
	if s == "" {
		return 0, false, fmt.Errorf("gpio: line is required")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, nil
	}
	if n < 0 {
		return 0, false, fmt.Errorf("gpio: invalid line offset %d", n)
	}
	return n, true, nil
}
