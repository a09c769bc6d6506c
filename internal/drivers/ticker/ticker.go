// Package ticker is a logic driver that publishes a counter on a fixed
// interval.
package ticker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/advancedcontrol/engine/internal/driver"
	"github.com/advancedcontrol/engine/pkg/types"
)

// Dependency is the identifier the driver registers under.
const Dependency = "ticker"

// StatusTick carries the tick count.
const StatusTick = "tick"

const defaultInterval = time.Second

// Driver counts ticks.
type Driver struct {
	m     driver.Module
	count atomic.Int64
	timer driver.Cancelable
}

// New is the driver.Factory.
func New() driver.Driver { return &Driver{} }

func (d *Driver) Load(_ context.Context, m driver.Module) error {
	d.m = m
	return d.schedule(m.Settings())
}

func (d *Driver) Update(_ context.Context, s types.Settings) error {
	return d.schedule(s)
}

func (d *Driver) Unload(context.Context) error {
	if d.timer != nil {
		d.timer.Cancel()
		d.timer = nil
	}
	return nil
}

func (d *Driver) schedule(s types.Settings) error {
	interval, err := Interval(s.Config)
	if err != nil {
		return err
	}
	if d.timer != nil {
		d.timer.Cancel()
	}
	d.timer = d.m.Schedule().Every(interval, func(context.Context) {
		d.m.Status(StatusTick, d.count.Add(1))
	})
	d.m.Logger().Debug("ticker.scheduled", "interval", interval)
	return nil
}

func (d *Driver) Exec(_ context.Context, method string, _ ...any) (any, error) {
	switch method {
	case "count":
		return d.count.Load(), nil
	case "reset":
		d.count.Store(0)
		return nil, nil
	default:
		return nil, fmt.Errorf("ticker: unknown method %q", method)
	}
}

// Interval reads "interval" from a settings config map. Strings use
// time.ParseDuration, numbers are milliseconds.
func Interval(cfg map[string]any) (time.Duration, error) {
	v, ok := cfg["interval"]
	if !ok {
		return defaultInterval, nil
	}
	var d time.Duration
	switch t := v.(type) {
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("ticker: interval: %w", err)
		}
		d = parsed
	case int:
		d = time.Duration(t) * time.Millisecond
	case int64:
		d = time.Duration(t) * time.Millisecond
	case float64:
		d = time.Duration(t * float64(time.Millisecond))
	default:
		return 0, fmt.Errorf("ticker: interval has type %T", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("ticker: interval must be positive, got %s", d)
	}
	return d, nil
}
