package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/wmctl/config"
	"github.com/mstarongithub/wmctl/detect"
)

// Options tune QueryOutputs and Waiter. Zero durations and factors fall back
// to config.Default.
type Options struct {
	// Nil uses detect.New
	Detector *detect.Detector

	RecvTimeout    time.Duration
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration

	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64
	// 0 retries forever
	MaxReconnects uint64
	// Cut the backoff short when the compositor socket gets created
	WakeOnSocket bool

	// Nil uses the logrus standard logger
	Logger logrus.FieldLogger
}

// OptionsFromConfig carries the loaded configuration over, including a
// forced backend
func OptionsFromConfig(cfg *config.Config) Options {
	d := detect.New()
	d.ForceKind = cfg.Kind()
	d.ForceSocket = cfg.Socket
	return Options{
		Detector:          d,
		RecvTimeout:       cfg.RecvTimeout,
		ConnectTimeout:    cfg.ConnectTimeout,
		QueryTimeout:      cfg.QueryTimeout,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
		BackoffMultiplier: cfg.BackoffMultiplier,
		BackoffJitter:     cfg.BackoffJitter,
		MaxReconnects:     cfg.MaxReconnects,
		WakeOnSocket:      cfg.WakeOnSocket,
	}
}

func (o Options) withDefaults() Options {
	def := config.Default()
	if o.Detector == nil {
		o.Detector = detect.New()
	}
	if o.RecvTimeout <= 0 {
		o.RecvTimeout = def.RecvTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = def.QueryTimeout
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = def.BackoffInitial
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = def.BackoffMax
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = def.BackoffMultiplier
	}
	if o.BackoffJitter < 0 || o.BackoffJitter >= 1 {
		o.BackoffJitter = def.BackoffJitter
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

func (o Options) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.BackoffInitial
	b.MaxInterval = o.BackoffMax
	b.Multiplier = o.BackoffMultiplier
	b.RandomizationFactor = o.BackoffJitter
	// Give up by attempts only, never by elapsed time
	b.MaxElapsedTime = 0
	b.Reset()
	if o.MaxReconnects > 0 {
		return backoff.WithMaxRetries(b, o.MaxReconnects)
	}
	return b
}
