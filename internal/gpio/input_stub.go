//go:build !linux

package gpio

import "fmt"

type Input struct{}

func OpenInput(cfg InputConfig) (*Input, error) {
	return nil, fmt.Errorf("gpio: unsupported on this platform")
}

func (in *Input) Ready() bool    { return false }
func (in *Input) String() string { return "" }
func (in *Input) Close() error   { return nil }
