package console

import (
	"fmt"
	"io"
	"strings"

	"aeroquad-ng/internal/flightcontrol"
)

type MonitorSource interface {
	MonitorLine() string
}

type StatusSource interface {
	Snapshot() flightcontrol.Snapshot
}

type DiagnosticsSource interface {
	Diagnostics() []string
}

// RegisterFlightKeywords adds monitorSensors and status.
func RegisterFlightKeywords(s *Shell, mon MonitorSource, st StatusSource, diag DiagnosticsSource) error {
	if err := s.Register(Keyword{
		Name:   "monitorSensors",
		Help:   "temperature,pressure,altitudeFromPressure,altitudeFromHeightSensor",
		Repeat: true,
		Run: func(w io.Writer, _ []string) error {
			_, err := fmt.Fprintf(w, "%s\r\n", mon.MonitorLine())
			return err
		},
	}); err != nil {
		return err
	}
	return s.Register(Keyword{
		Name: "status",
		Help: "control loop, motors, task timing and diagnostics",
		Run: func(w io.Writer, _ []string) error {
			return writeStatus(w, st.Snapshot(), diag)
		},
	})
}

func writeStatus(w io.Writer, sn flightcontrol.Snapshot, diag DiagnosticsSource) error {
	var b strings.Builder
	fmt.Fprintf(&b, "now_ms=%d ticks=%d failsafe=%t command_age_ms=%d\r\n", sn.NowMs, sn.Ticks, sn.Failsafe, sn.CommandAgeMs)
	fmt.Fprintf(&b, "motors=%d,%d,%d,%d channels=%d,%d,%d,%d\r\n",
		sn.Motors[0], sn.Motors[1], sn.Motors[2], sn.Motors[3],
		sn.Channels[0], sn.Channels[1], sn.Channels[2], sn.Channels[3])
	for _, t := range sn.Tasks {
		fmt.Fprintf(&b, "task=%s period=%s offset=%s enabled=%t runs=%d last=%s max=%s\r\n",
			t.Name, t.Period, t.Offset, t.Enabled, t.Runs, t.LastDuration, t.MaxDuration)
	}
	s := sn.Sensors
	fmt.Fprintf(&b, "pressure present=%t temperature=%d pressure=%d altitude=%.2f fault=%q\r\n",
		s.PressurePresent, s.Temperature, s.Pressure, s.AltitudeFromPressure, s.PressureFault)
	fmt.Fprintf(&b, "height present=%t altitude=%.2f fault=%q\r\n", s.HeightPresent, s.AltitudeFromHeight, s.HeightFault)
	fmt.Fprintf(&b, "power present=%t voltage=%.2f current=%.2f fault=%q\r\n", s.PowerPresent, s.Voltage, s.Current, s.PowerFault)
	if sn.LastError != "" {
		fmt.Fprintf(&b, "last_error=%q\r\n", sn.LastError)
	}
	if diag != nil {
		for _, d := range diag.Diagnostics() {
			fmt.Fprintf(&b, "%s\r\n", d)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
