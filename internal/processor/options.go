package processor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// SendOptions are the per-command knobs. Module-level defaults are merged
// with the overrides passed to each Send.
type SendOptions struct {
	Wait              bool
	Delay             time.Duration
	DelayOnReceive    time.Duration
	MaxWaits          int
	Retries           int
	HexString         bool
	Timeout           time.Duration
	Priority          int
	RetryOnDisconnect bool
	ForceDisconnect   bool
}

// ConnOptions are the connection-level knobs.
type ConnOptions struct {
	Tokenize                bool
	Delimiter               string
	Indicator               string
	MsgLength               int
	SizeLimit               uint64
	ClearQueueOnDisconnect  bool
	FlushBufferOnDisconnect bool
	PriorityBonus           int
	UpdateStatus            bool
	WaitReady               string // marker the transport waits for before signalling connected
}

// DefaultSendOptions returns the built-in per-command defaults.
func DefaultSendOptions() SendOptions {
	return SendOptions{
		Wait:              true,
		MaxWaits:          3,
		Retries:           2,
		Timeout:           5 * time.Second,
		Priority:          50,
		RetryOnDisconnect: true,
	}
}

// DefaultConnOptions returns the built-in connection defaults.
func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		SizeLimit:     10 * humanize.MiByte,
		PriorityBonus: 20,
		UpdateStatus:  true,
	}
}

// Merge applies m over o key by key. Unknown keys are ignored so driver
// specific settings can share the same map.
func (o SendOptions) Merge(m map[string]any) (SendOptions, error) {
	var err error
	for k, v := range m {
		switch k {
		case "wait":
			o.Wait, err = asBool(v)
		case "delay":
			o.Delay, err = asDuration(v)
		case "delay_on_receive":
			o.DelayOnReceive, err = asDuration(v)
		case "max_waits":
			o.MaxWaits, err = asInt(v)
		case "retries":
			o.Retries, err = asInt(v)
		case "hex_string":
			o.HexString, err = asBool(v)
		case "timeout":
			o.Timeout, err = asDuration(v)
		case "priority":
			o.Priority, err = asInt(v)
		case "retry_on_disconnect":
			o.RetryOnDisconnect, err = asBool(v)
		case "force_disconnect":
			o.ForceDisconnect, err = asBool(v)
		default:
			continue
		}
		if err != nil {
			return o, fmt.Errorf("option %s: %w", k, err)
		}
	}
	return o, nil
}

// Merge applies m over o key by key.
func (o ConnOptions) Merge(m map[string]any) (ConnOptions, error) {
	var err error
	for k, v := range m {
		switch k {
		case "tokenize":
			o.Tokenize, err = asBool(v)
		case "delimiter":
			o.Delimiter, err = asString(v)
		case "indicator":
			o.Indicator, err = asString(v)
		case "msg_length":
			o.MsgLength, err = asInt(v)
		case "size_limit":
			o.SizeLimit, err = asSize(v)
		case "clear_queue_on_disconnect":
			o.ClearQueueOnDisconnect, err = asBool(v)
		case "flush_buffer_on_disconnect":
			o.FlushBufferOnDisconnect, err = asBool(v)
		case "priority_bonus":
			o.PriorityBonus, err = asInt(v)
		case "update_status":
			o.UpdateStatus, err = asBool(v)
		case "wait_ready":
			o.WaitReady, err = asString(v)
		default:
			continue
		}
		if err != nil {
			return o, fmt.Errorf("option %s: %w", k, err)
		}
	}
	return o, nil
}

func asBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(t)
	case int:
		return t != 0, nil
	default:
		return false, fmt.Errorf("want bool, got %T", v)
	}
}

func asInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	default:
		return 0, fmt.Errorf("want integer, got %T", v)
	}
}

func asString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("want string, got %T", v)
	}
}

// asDuration accepts time.Duration, Go duration strings, or a number of
// milliseconds.
func asDuration(v any) (time.Duration, error) {
	switch t := v.(type) {
	case time.Duration:
		return t, nil
	case string:
		if d, err := time.ParseDuration(t); err == nil {
			return d, nil
		}
		ms, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", t)
		}
		return time.Duration(ms) * time.Millisecond, nil
	default:
		ms, err := asInt(v)
		if err != nil {
			return 0, fmt.Errorf("want duration, got %T", v)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
}

// asSize accepts byte counts or human sizes such as "10MiB".
func asSize(v any) (uint64, error) {
	if s, ok := v.(string); ok {
		return humanize.ParseBytes(s)
	}
	n, err := asInt(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	return uint64(n), nil
}
