//go:build linux

package motors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// SysfsConfig selects the PWM chip and channels under /sys/class/pwm.
//
// On Raspberry Pi the channels are typically exposed by a pwm overlay
// (e.g. dtoverlay=pwm-2chan); boards with four hardware channels or an
// external PWM controller with a kernel driver expose them the same way.
type SysfsConfig struct {
	// Chip is N in pwmchipN. Negative picks the first chip with enough channels.
	Chip        int
	Channels    [NumChannels]int
	FrequencyHz int
}

// SysfsPWM drives one ESC per sysfs PWM channel.
type SysfsPWM struct {
	chipPath string
	outputs  [NumChannels]string
	periodNS uint64

	// duty stays open between ticks so Write is one pwrite per channel.
	duty [NumChannels]*os.File
}

var pwmSysfsBase = "/sys/class/pwm"

func OpenSysfs(cfg SysfsConfig) (*SysfsPWM, error) {
	if cfg.FrequencyHz <= 0 {
		return nil, fmt.Errorf("motors: invalid frequency %d", cfg.FrequencyHz)
	}
	maxCh := 0
	for _, ch := range cfg.Channels {
		if ch < 0 {
			return nil, fmt.Errorf("motors: invalid pwm channel %d", ch)
		}
		if ch > maxCh {
			maxCh = ch
		}
	}

	chipPath, err := findPWMChip(cfg.Chip, maxCh+1)
	if err != nil {
		return nil, err
	}

	d := &SysfsPWM{
		chipPath: chipPath,
		periodNS: uint64(time.Second) / uint64(cfg.FrequencyHz),
	}
	for i, ch := range cfg.Channels {
		d.outputs[i] = filepath.Join(chipPath, fmt.Sprintf("pwm%d", ch))
		if err := ensureExported(chipPath, ch, d.outputs[i]); err != nil {
			return nil, err
		}
		// Disable before changing period (common sysfs requirement).
		_ = writeSysfs(filepath.Join(d.outputs[i], "enable"), "0")
		if err := writeSysfs(filepath.Join(d.outputs[i], "period"), strconv.FormatUint(d.periodNS, 10)); err != nil {
			return nil, fmt.Errorf("motors: set period on %s: %w", d.outputs[i], err)
		}
		if err := writeSysfs(filepath.Join(d.outputs[i], "duty_cycle"), "0"); err != nil {
			return nil, fmt.Errorf("motors: set duty on %s: %w", d.outputs[i], err)
		}
		if err := writeSysfs(filepath.Join(d.outputs[i], "enable"), "1"); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("motors: enable %s: %w", d.outputs[i], err)
		}
		f, err := os.OpenFile(filepath.Join(d.outputs[i], "duty_cycle"), os.O_WRONLY, 0)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("motors: open duty on %s: %w", d.outputs[i], err)
		}
		d.duty[i] = f
	}
	return d, nil
}

func findPWMChip(chip int, needChannels int) (string, error) {
	base := pwmSysfsBase
	if chip >= 0 {
		p := filepath.Join(base, fmt.Sprintf("pwmchip%d", chip))
		n, err := readInt(filepath.Join(p, "npwm"))
		if err != nil {
			return "", fmt.Errorf("motors: read %s: %w", p, err)
		}
		if n < needChannels {
			return "", fmt.Errorf("motors: %s has %d channels, need %d", p, n, needChannels)
		}
		return p, nil
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("motors: read %s: %w", base, err)
	}
	// pwmchipN entries are commonly symlinks, not directories.
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "pwmchip") {
			continue
		}
		p := filepath.Join(base, name)
		n, rerr := readInt(filepath.Join(p, "npwm"))
		if rerr != nil || n < needChannels {
			continue
		}
		return p, nil
	}
	return "", fmt.Errorf("motors: no sysfs pwmchip with %d channels found (is the pwm overlay enabled?)", needChannels)
}

func ensureExported(chipPath string, channel int, pwmPath string) error {
	if _, err := os.Stat(pwmPath); err == nil {
		return nil
	}
	if err := writeSysfs(filepath.Join(chipPath, "export"), strconv.Itoa(channel)); err != nil {
		// Already exported by someone else.
		if _, statErr := os.Stat(pwmPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("motors: export pwm%d: %w", channel, err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(pwmPath); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(pwmPath); err != nil {
		return fmt.Errorf("motors: pwm path not created after export: %w", err)
	}
	return nil
}

// Write sets each channel's high time. Pulses longer than the period are
// truncated to the period. It runs on the control tick: one attempt per
// channel, no retry and no sleep.
func (d *SysfsPWM) Write(pulsesUs [NumChannels]int) error {
	var errs []error
	for i, us := range pulsesUs {
		if us < 0 {
			us = 0
		}
		duty := uint64(us) * uint64(time.Microsecond)
		if duty > d.periodNS {
			duty = d.periodNS
		}
		if err := d.writeDuty(i, strconv.FormatUint(duty, 10)); err != nil {
			errs = append(errs, fmt.Errorf("motors: channel %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (d *SysfsPWM) writeDuty(i int, value string) error {
	f := d.duty[i]
	if f == nil {
		return fmt.Errorf("duty_cycle for %s not open", d.outputs[i])
	}
	_, err := f.WriteAt([]byte(value), 0)
	return err
}

func (d *SysfsPWM) Close() error {
	for i, out := range d.outputs {
		if out == "" {
			continue
		}
		_ = d.writeDuty(i, "0")
		if d.duty[i] != nil {
			_ = d.duty[i].Close()
			d.duty[i] = nil
		}
		_ = writeSysfs(filepath.Join(out, "enable"), "0")
	}
	return nil
}

// writeSysfs is for setup and teardown only; it may block for up to 2s.
func writeSysfs(path string, value string) error {
	// O_WRONLY without O_TRUNC/O_CREATE: some sysfs attributes reject
	// truncation. Right after export udev may still be fixing permissions,
	// so EACCES/ENOENT are retried briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err == nil {
			_, werr := f.WriteString(value)
			cerr := f.Close()
			if werr == nil && cerr == nil {
				return nil
			}
			err = errors.Join(werr, cerr)
		}
		if time.Now().Before(deadline) && isRetryableSysfsErr(err) {
			time.Sleep(25 * time.Millisecond)
			continue
		}
		return err
	}
}

func isRetryableSysfsErr(err error) bool {
	return errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOENT)
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	return strconv.Atoi(s)
}
