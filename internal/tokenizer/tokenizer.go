// Package tokenizer splits an inbound byte stream into logical messages.
//
// A Tokenizer is configured in one of three ways: by delimiter (with an
// optional start indicator), by fixed message length, or by a custom function
// that inspects the buffer and returns the length of the next complete
// message. Bytes that do not yet form a complete message stay buffered until
// more data arrives.
package tokenizer

import (
	"bytes"
	"errors"
)

// ErrSizeLimit is returned when the buffer grows past the configured limit
// without yielding a message. The buffer is discarded.
var ErrSizeLimit = errors.New("tokenizer: buffer exceeded size limit")

// LengthFunc returns the length of the next complete message at the start of
// buf, or a value <= 0 when more data is required.
type LengthFunc func(buf []byte) int

// Config selects the splitting strategy. Exactly one of Delimiter, MsgLength
// or Callback should be set; Callback wins over MsgLength which wins over
// Delimiter.
type Config struct {
	Delimiter []byte
	Indicator []byte // optional start-of-message marker; preceding bytes are dropped
	MsgLength int
	Callback  LengthFunc
	SizeLimit int // zero disables the limit
}

// Tokenizer accumulates bytes and yields complete messages.
type Tokenizer struct {
	cfg Config
	buf []byte
}

// New builds a tokenizer.
func New(cfg Config) (*Tokenizer, error) {
	if len(cfg.Delimiter) == 0 && cfg.MsgLength <= 0 && cfg.Callback == nil {
		return nil, errors.New("tokenizer: one of delimiter, msg_length or callback is required")
	}
	return &Tokenizer{cfg: cfg}, nil
}

// Extract appends data and returns every complete message now available.
// Delimiters are stripped from the returned messages and empty messages are
// skipped.
func (t *Tokenizer) Extract(data []byte) ([][]byte, error) {
	t.buf = append(t.buf, data...)

	var out [][]byte
	for {
		msg, ok := t.next()
		if !ok {
			break
		}
		if len(msg) > 0 {
			out = append(out, msg)
		}
	}
	if t.cfg.SizeLimit > 0 && len(t.buf) > t.cfg.SizeLimit {
		t.buf = nil
		return out, ErrSizeLimit
	}
	return out, nil
}

func (t *Tokenizer) next() ([]byte, bool) {
	if len(t.cfg.Indicator) > 0 {
		i := bytes.Index(t.buf, t.cfg.Indicator)
		if i < 0 {
			// keep a tail that could be the start of a split indicator
			if keep := len(t.cfg.Indicator) - 1; len(t.buf) > keep {
				t.buf = append(t.buf[:0], t.buf[len(t.buf)-keep:]...)
			}
			return nil, false
		}
		t.buf = t.buf[i+len(t.cfg.Indicator):]
	}

	var n, skip int
	switch {
	case t.cfg.Callback != nil:
		n = t.cfg.Callback(t.buf)
		if n > len(t.buf) {
			n = 0
		}
	case t.cfg.MsgLength > 0:
		if len(t.buf) >= t.cfg.MsgLength {
			n = t.cfg.MsgLength
		}
	default:
		if i := bytes.Index(t.buf, t.cfg.Delimiter); i >= 0 {
			n, skip = i, len(t.cfg.Delimiter)
		} else {
			n = -1
		}
	}
	if n < 0 || (n == 0 && skip == 0) {
		if len(t.cfg.Indicator) > 0 {
			// indicator was consumed; put it back so the next pass finds it
			t.buf = append(append([]byte{}, t.cfg.Indicator...), t.buf...)
		}
		return nil, false
	}

	msg := make([]byte, n)
	copy(msg, t.buf[:n])
	t.buf = t.buf[n+skip:]
	return msg, true
}

// Flush returns and clears whatever partial message is buffered.
func (t *Tokenizer) Flush() []byte {
	rest := t.buf
	t.buf = nil
	return rest
}

// Buffered returns the number of bytes waiting for completion.
func (t *Tokenizer) Buffered() int { return len(t.buf) }
