//go:build !linux

package motors

import "fmt"

type SysfsConfig struct {
	Chip        int
	Channels    [NumChannels]int
	FrequencyHz int
}

type SysfsPWM struct{}

func OpenSysfs(cfg SysfsConfig) (*SysfsPWM, error) {
	return nil, fmt.Errorf("motors: sysfs pwm unsupported on this platform")
}

func (d *SysfsPWM) Write(pulsesUs [NumChannels]int) error {
	return fmt.Errorf("motors: sysfs pwm unsupported")
}

func (d *SysfsPWM) Close() error { return nil }
