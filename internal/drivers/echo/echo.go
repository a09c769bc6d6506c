// Package echo is a line-oriented device driver that resolves each command
// with the response text the device sends back.
package echo

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/advancedcontrol/engine/internal/driver"
)

// Dependency is the identifier the driver registers under.
const Dependency = "echo"

// StatusLastReceived carries the last line the device sent.
const StatusLastReceived = "last_received"

// Driver echoes device responses.
type Driver struct {
	m        driver.Module
	received atomic.Uint64
}

// New is the driver.Factory.
func New() driver.Driver { return &Driver{} }

// Load enables newline tokenizing unless the settings configure framing.
func (d *Driver) Load(_ context.Context, m driver.Module) error {
	d.m = m
	if _, ok := m.Settings().Config["tokenize"]; ok {
		return nil
	}
	return m.Configure(map[string]any{"tokenize": true, "delimiter": "\n"})
}

func (d *Driver) Received(_ context.Context, data []byte, _ *driver.Command) driver.Result {
	text := string(data)
	d.received.Add(1)
	d.m.Status(StatusLastReceived, text)
	return driver.Succeed(text)
}

// Exec supports "send" (returns the command's future) and "received".
func (d *Driver) Exec(_ context.Context, method string, args ...any) (any, error) {
	switch method {
	case "send":
		if len(args) != 1 {
			return nil, fmt.Errorf("echo: send takes one argument, got %d", len(args))
		}
		return d.m.Send(driver.Request{Data: args[0], Options: map[string]any{"wait": true}}), nil
	case "received":
		return d.received.Load(), nil
	default:
		return nil, fmt.Errorf("echo: unknown method %q", method)
	}
}
