package console

import (
	"fmt"

	"go.bug.st/serial"
)

const DefaultBaudRate = 115200

// OpenSerial opens the console port 8N1.
func OpenSerial(port string, baud int) (serial.Port, error) {
	if port == "" {
		return nil, fmt.Errorf("console: serial port is required")
	}
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("console: open %s: %w", port, err)
	}
	return p, nil
}
