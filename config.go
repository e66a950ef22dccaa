package h3

import "github.com/sirupsen/logrus"

// defaultMaxBufferedWebTransportStreams bounds the per-session-id pending
// buffer for WebTransport unidirectional streams that arrive before their
// session is established.
const defaultMaxBufferedWebTransportStreams = 10

// defaultMaxBufferedDatagrams bounds the per-flow-id pending buffer for
// inbound HTTP Datagrams.
const defaultMaxBufferedDatagrams = 10

// Config controls how a Conn is constructed. The zero value is not usable;
// build one with NewConfig.
type Config struct {
	settings Settings

	sendGrease bool

	enableDatagrams    bool
	enableWebTransport  bool

	maxBufferedWebTransportStreams int
	maxBufferedDatagrams            int

	logger logrus.FieldLogger
}

// Option configures a Config, following the functional-options pattern for
// optional, growing parameter sets (quic.Config's many knobs follow the
// same shape).
type Option func(*Config)

// NewConfig builds a Config with sensible defaults: grease enabled,
// datagrams/WebTransport disabled, default buffer bounds, a standard logger.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		settings:                        Settings{},
		sendGrease:                      true,
		maxBufferedWebTransportStreams: defaultMaxBufferedWebTransportStreams,
		maxBufferedDatagrams:            defaultMaxBufferedDatagrams,
		logger:                          logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.enableDatagrams {
		c.settings.EnableDatagrams()
	}
	if c.enableWebTransport {
		c.settings.EnableWebTransport()
	}
	return c
}

// WithDatagrams enables the HTTP Datagram (RFC 9297) extension.
func WithDatagrams() Option {
	return func(c *Config) { c.enableDatagrams = true }
}

// WithWebTransport enables the WebTransport (draft) extension. It implies
// WithDatagrams, since WebTransport streams are carried over HTTP Datagrams
// and the WT extended-CONNECT settings.
func WithWebTransport() Option {
	return func(c *Config) {
		c.enableWebTransport = true
		c.enableDatagrams = true
	}
}

// WithoutGrease disables the best-effort grease stream. Tests that assert
// on exact stream counts typically want this.
func WithoutGrease() Option {
	return func(c *Config) { c.sendGrease = false }
}

// WithMaxFieldSectionSize advertises max to peers via SETTINGS. Inbound
// HEADERS and trailers are bounded by the peer's advertised value, not by
// this one.
func WithMaxFieldSectionSize(max uint64) Option {
	return func(c *Config) { c.settings[SettingMaxFieldSectionSize] = max }
}

// WithMaxBufferedWebTransportStreams overrides the per-session pending
// buffer bound for WebTransport streams.
func WithMaxBufferedWebTransportStreams(n int) Option {
	return func(c *Config) { c.maxBufferedWebTransportStreams = n }
}

// WithLogger overrides the structured logger used for connection- and
// stream-scoped diagnostics.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Config) { c.logger = l }
}
