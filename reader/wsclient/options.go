package wsclient

import (
	"time"

	appconfig "github.com/coinlordd/pear-limit-engine/config"
)

// Options configures a Client. Zero values take the defaults below.
type Options struct {
	URL string
	// Name tags log lines and metrics of this client.
	Name string

	// MaxRetries bounds consecutive failed connection attempts; 0 retries
	// forever.
	MaxRetries          int
	MinReconnectDelay   time.Duration
	MaxReconnectDelay   time.Duration
	ReconnectGrowFactor float64

	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration

	OutboxCapacity int
	// FlushInterval retries the outbox periodically while it is non-empty;
	// 0 flushes only when a connection opens.
	FlushInterval time.Duration

	// SendRatePerSecond throttles outbound frames; 0 disables throttling.
	SendRatePerSecond float64
	SendBurst         int

	Dialer Dialer
}

const (
	defaultMinReconnectDelay   = 200 * time.Millisecond
	defaultMaxReconnectDelay   = 10 * time.Second
	defaultReconnectGrowFactor = 1.3
	defaultHeartbeatInterval   = 15 * time.Second
	defaultIdleTimeout         = 60 * time.Second
	defaultOutboxCapacity      = 1000
)

// OptionsFromConfig maps the stream section of the config file.
func OptionsFromConfig(cfg appconfig.StreamConfig) Options {
	return Options{
		URL:                 cfg.URL,
		MaxRetries:          cfg.MaxRetries,
		MinReconnectDelay:   cfg.MinReconnectDelay,
		MaxReconnectDelay:   cfg.MaxReconnectDelay,
		ReconnectGrowFactor: cfg.ReconnectGrowFactor,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		IdleTimeout:         cfg.IdleTimeout,
		OutboxCapacity:      cfg.OutboxCapacity,
		FlushInterval:       cfg.FlushInterval,
		SendRatePerSecond:   cfg.SendRatePerSecond,
		SendBurst:           cfg.SendBurst,
		Dialer: WebsocketDialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadLimit:        cfg.ReadLimit,
		},
	}
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "ws_client"
	}
	if o.MinReconnectDelay <= 0 {
		o.MinReconnectDelay = defaultMinReconnectDelay
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if o.MaxReconnectDelay < o.MinReconnectDelay {
		o.MaxReconnectDelay = o.MinReconnectDelay
	}
	if o.ReconnectGrowFactor < 1 {
		o.ReconnectGrowFactor = defaultReconnectGrowFactor
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.OutboxCapacity <= 0 {
		o.OutboxCapacity = defaultOutboxCapacity
	}
	if o.SendBurst <= 0 {
		o.SendBurst = 1
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{HandshakeTimeout: 10 * time.Second}
	}
	return o
}
