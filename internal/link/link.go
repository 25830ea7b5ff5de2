// Package link connects the flight controller to an MQTT broker: flight
// commands come in on one topic, status snapshots go out on others.
package link

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"aeroquad-ng/internal/mixer"
)

const (
	defaultPublishInterval = 100 * time.Millisecond
	opTimeout              = 5 * time.Second
)

var newClientFn = mqtt.NewClient

type Config struct {
	Broker   string
	ClientID string
	QoS      byte

	CommandTopic string
	StatusTopic  string
	MonitorTopic string

	PublishInterval time.Duration
}

// CommandSink receives decoded flight commands.
type CommandSink interface {
	SetCommand(fc mixer.FlightCommand)
}

// Stats counts link traffic.
type Stats struct {
	CommandsAccepted uint64 `json:"commands_accepted"`
	CommandsRejected uint64 `json:"commands_rejected"`
	Published        uint64 `json:"published"`
	LastError        string `json:"last_error,omitempty"`
}

type Link struct {
	cfg     Config
	client  mqtt.Client
	sink    CommandSink
	status  func() any
	monitor func() string

	mu    sync.Mutex
	stats Stats

	wg sync.WaitGroup
}

// New prepares the MQTT client. status and monitor may be nil to skip the
// corresponding topic.
func New(cfg Config, sink CommandSink, status func() any, monitor func() string) (*Link, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, fmt.Errorf("link: broker is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("link: qos must be 0..2")
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = defaultPublishInterval
	}
	l := &Link{cfg: cfg, sink: sink, status: status, monitor: monitor}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(opTimeout).
		SetOnConnectHandler(l.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("link mqtt connection lost broker=%s err=%v", cfg.Broker, err)
		})
	l.client = newClientFn(opts)
	return l, nil
}

// onConnect (re)subscribes on every successful connection.
func (l *Link) onConnect(c mqtt.Client) {
	log.Printf("link mqtt connected broker=%s", l.cfg.Broker)
	if l.cfg.CommandTopic == "" || l.sink == nil {
		return
	}
	tok := c.Subscribe(l.cfg.CommandTopic, l.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		l.handleCommand(msg.Payload())
	})
	if !tok.WaitTimeout(opTimeout) || tok.Error() != nil {
		l.setErr(fmt.Errorf("link: subscribe %s: %v", l.cfg.CommandTopic, tok.Error()))
		return
	}
	log.Printf("link mqtt subscribed topic=%s", l.cfg.CommandTopic)
}

// wireCommand is the JSON form of a FlightCommand. receiver_throttle is
// optional and defaults to throttle; a zero pivot would collapse both
// saturation windows to MinThrottle.
type wireCommand struct {
	Throttle         int  `json:"throttle"`
	ReceiverThrottle *int `json:"receiver_throttle"`
	Pitch            int  `json:"pitch"`
	Roll             int  `json:"roll"`
	Yaw              int  `json:"yaw"`
}

func (w wireCommand) flightCommand() mixer.FlightCommand {
	fc := mixer.FlightCommand{
		Throttle:         w.Throttle,
		ReceiverThrottle: w.Throttle,
		Pitch:            w.Pitch,
		Roll:             w.Roll,
		Yaw:              w.Yaw,
	}
	if w.ReceiverThrottle != nil {
		fc.ReceiverThrottle = *w.ReceiverThrottle
	}
	return fc
}

func (l *Link) handleCommand(payload []byte) {
	var wc wireCommand
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wc); err != nil {
		l.mu.Lock()
		l.stats.CommandsRejected++
		first := l.stats.CommandsRejected == 1
		l.stats.LastError = fmt.Sprintf("link: bad command: %v", err)
		l.mu.Unlock()
		if first {
			log.Printf("link command rejected err=%v", err)
		}
		return
	}
	l.sink.SetCommand(wc.flightCommand())
	l.mu.Lock()
	l.stats.CommandsAccepted++
	l.mu.Unlock()
}

func (l *Link) setErr(err error) {
	l.mu.Lock()
	changed := l.stats.LastError != err.Error()
	l.stats.LastError = err.Error()
	l.mu.Unlock()
	if changed {
		log.Printf("link error err=%v", err)
	}
}

func (l *Link) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Start connects and publishes until ctx is done, then disconnects.
func (l *Link) Start(ctx context.Context) error {
	tok := l.client.Connect()
	if !tok.WaitTimeout(opTimeout) {
		return fmt.Errorf("link: connect %s: timeout", l.cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("link: connect %s: %w", l.cfg.Broker, err)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		t := time.NewTicker(l.cfg.PublishInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				l.client.Disconnect(250)
				return
			case <-t.C:
				l.publishOnce()
			}
		}
	}()
	return nil
}

// Wait blocks until the publish loop has exited.
func (l *Link) Wait() { l.wg.Wait() }

func (l *Link) publishOnce() {
	if l.status != nil && l.cfg.StatusTopic != "" {
		payload, err := json.Marshal(l.status())
		if err != nil {
			l.setErr(fmt.Errorf("link: marshal status: %w", err))
		} else {
			l.publish(l.cfg.StatusTopic, payload)
		}
	}
	if l.monitor != nil && l.cfg.MonitorTopic != "" {
		l.publish(l.cfg.MonitorTopic, []byte(l.monitor()))
	}
}

func (l *Link) publish(topic string, payload []byte) {
	if !l.client.IsConnected() {
		return
	}
	tok := l.client.Publish(topic, l.cfg.QoS, false, payload)
	if !tok.WaitTimeout(opTimeout) {
		l.setErr(fmt.Errorf("link: publish %s: timeout", topic))
		return
	}
	if err := tok.Error(); err != nil {
		l.setErr(fmt.Errorf("link: publish %s: %w", topic, err))
		return
	}
	l.mu.Lock()
	l.stats.Published++
	l.mu.Unlock()
}
