package transport

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffConfig shapes the reconnect delay after consecutive failures.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"` // randomization factor, 0..1
}

// DefaultBackoff is a 3s base with jitter, growing to at most a minute.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    3 * time.Second,
		Max:        time.Minute,
		Multiplier: 1.5,
		Jitter:     0.5,
	}
}

func (c BackoffConfig) build() *backoff.ExponentialBackOff {
	def := DefaultBackoff()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = pick(c.Initial, def.Initial)
	b.MaxInterval = pick(c.Max, def.Max)
	b.Multiplier = def.Multiplier
	if c.Multiplier >= 1 {
		b.Multiplier = c.Multiplier
	}
	b.RandomizationFactor = def.Jitter
	if c.Jitter > 0 && c.Jitter <= 1 {
		b.RandomizationFactor = c.Jitter
	}
	b.Reset()
	return b
}

func pick(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

// reconnectPolicy counts consecutive failures. The first failure reconnects
// at once; later ones wait for the backoff, and the second one also takes
// the queue offline.
type reconnectPolicy struct {
	b        *backoff.ExponentialBackOff
	failures int
}

func newReconnectPolicy(cfg BackoffConfig) *reconnectPolicy {
	return &reconnectPolicy{b: cfg.build()}
}

// failed records a failure and returns the delay before the next attempt
// and whether the queue should go offline now.
func (p *reconnectPolicy) failed() (delay time.Duration, offline bool) {
	p.failures++
	if p.failures == 1 {
		return 0, false
	}
	delay = p.b.NextBackOff()
	if delay == backoff.Stop {
		delay = p.b.MaxInterval
	}
	return delay, p.failures == 2
}

func (p *reconnectPolicy) succeeded() {
	p.failures = 0
	p.b.Reset()
}
