package vmwarden

import "time"

// Option configures a Client at creation time.
type Option func(*clientConfig)

type clientConfig struct {
	socketPath  string
	source      string
	dialTimeout time.Duration
}

// WithSocket sets the daemon socket path.
func WithSocket(path string) Option {
	return func(c *clientConfig) { c.socketPath = path }
}

// WithSource sets the src id stamped on outgoing envelopes.
func WithSource(src string) Option {
	return func(c *clientConfig) { c.source = src }
}

// WithDialTimeout bounds how long Dial waits for the daemon.
func WithDialTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.dialTimeout = d }
}
