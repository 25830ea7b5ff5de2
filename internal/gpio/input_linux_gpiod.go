//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// Input is a line requested as an input through the GPIO character device.
type Input struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
	name string
}

func OpenInput(cfg InputConfig) (*Input, error) {
	offset, numeric, err := cfg.offset()
	if err != nil {
		return nil, err
	}
	chip, err := gpiocdev.NewChip(cfg.chipPath())
	if err != nil {
		return nil, fmt.Errorf("gpio: open %s: %w", cfg.chipPath(), err)
	}
	if !numeric {
		offset, err = chip.FindLine(cfg.Line)
		if err != nil {
			_ = chip.Close()
			return nil, fmt.Errorf("gpio: line %q not found on %s: %w", cfg.Line, cfg.chipPath(), err)
		}
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = "aeroquad-ng"
	}
	opts := []gpiocdev.LineReqOption{gpiocdev.AsInput, gpiocdev.WithConsumer(consumer)}
	if cfg.ActiveLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	line, err := chip.RequestLine(offset, opts...)
	if err != nil {
		_ = chip.Close()
		return nil, fmt.Errorf("gpio: request %s:%d: %w", cfg.chipPath(), offset, err)
	}
	return &Input{chip: chip, line: line, name: fmt.Sprintf("%s:%d", cfg.chipPath(), offset)}, nil
}

// Ready reports the logical line level. A read error counts as not ready;
// callers bound the wait themselves.
func (in *Input) Ready() bool {
	if in == nil || in.line == nil {
		return false
	}
	v, err := in.line.Value()
	return err == nil && v == 1
}

func (in *Input) String() string { return in.name }

func (in *Input) Close() error {
	if in == nil || in.line == nil {
		return nil
	}
	err := in.line.Close()
	in.line = nil
	if in.chip != nil {
		_ = in.chip.Close()
		in.chip = nil
	}
	return err
}
