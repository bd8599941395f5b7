// Package bambu implements the device transport for Bambu Lab printers:
// commands and telemetry over the printer's local MQTT broker, artifact
// uploads over implicit FTPS.
package bambu

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jlaffaye/ftp"

	"github.com/printfarm/fleetd/internal/config"
	"github.com/printfarm/fleetd/internal/printer"
)

const (
	mqttPort       = 8883
	ftpsPort       = 990
	publishTimeout = 5 * time.Second
	uploadTimeout  = 5 * time.Minute
)

var errNotConnected = errors.New("no mqtt session")

// Transport is one authenticated session to a printer. Telemetry arrives via
// an MQTT subscription; frames are merged into a latest-report slot that
// Read drains.
type Transport struct {
	cfg config.PrinterConfig

	mu     sync.Mutex
	client mqtt.Client
	latest *printer.Telemetry
}

func NewTransport(cfg config.PrinterConfig) printer.Transport {
	return &Transport{cfg: cfg}
}

// Factory builds transports for the registry.
func Factory(cfg config.PrinterConfig) printer.Transport {
	return NewTransport(cfg)
}

func (t *Transport) reportTopic() string  { return "device/" + t.cfg.Serial + "/report" }
func (t *Transport) requestTopic() string { return "device/" + t.cfg.Serial + "/request" }

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil && t.client.IsConnected() {
		return nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", t.cfg.Host, mqttPort)).
		SetClientID("fleetd-" + t.cfg.Serial).
		SetUsername("bblp").
		SetPassword(t.cfg.AccessCode).
		// The printer presents a self-signed certificate.
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}).
		SetAutoReconnect(false).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !waitToken(ctx, token) {
		client.Disconnect(0)
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("connect timed out")
	}
	if err := token.Error(); err != nil {
		return err
	}

	sub := client.Subscribe(t.reportTopic(), 0, func(_ mqtt.Client, msg mqtt.Message) {
		frame, err := parseReport(msg.Payload())
		if err != nil || frame == nil {
			return
		}
		t.mu.Lock()
		t.latest = mergeFrames(t.latest, frame)
		t.mu.Unlock()
	})
	if !waitToken(ctx, sub) || sub.Error() != nil {
		client.Disconnect(0)
		if err := sub.Error(); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		return errors.New("subscribe timed out")
	}

	t.client = client
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return token.WaitTimeout(10 * time.Second)
	}
	return token.WaitTimeout(time.Until(deadline))
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		t.client.Disconnect(250)
		t.client = nil
	}
	t.latest = nil
	return nil
}

// Read drains the latest merged report frame; nil means nothing arrived
// since the last call.
func (t *Transport) Read() (*printer.Telemetry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil || !t.client.IsConnected() {
		return nil, errNotConnected
	}
	frame := t.latest
	t.latest = nil
	return frame, nil
}

func (t *Transport) Publish(payload map[string]any) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return errNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	token := client.Publish(t.requestTopic(), 0, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("publish timed out")
	}
	return token.Error()
}

func (t *Transport) PushAll() error {
	return t.Publish(map[string]any{"pushing": map[string]any{
		"sequence_id": "0",
		"command":     "pushall",
	}})
}

// Upload stores an artifact on the printer's SD card over implicit FTPS.
func (t *Transport) Upload(filename string, r io.Reader) error {
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, ftpsPort)
	conn, err := ftp.Dial(addr,
		ftp.DialWithTLS(&tls.Config{InsecureSkipVerify: true}),
		ftp.DialWithTimeout(uploadTimeout),
	)
	if err != nil {
		return fmt.Errorf("ftps dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login("bblp", t.cfg.AccessCode); err != nil {
		return fmt.Errorf("ftps login: %w", err)
	}
	if err := conn.Stor(filename, r); err != nil {
		return fmt.Errorf("ftps store %s: %w", filename, err)
	}
	return nil
}
