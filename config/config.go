// Package config gathers the handful of settings relaykv's components
// need to be constructed: which namespace and queue they operate on and
// how to reach the backend. Nothing here is read from the environment
// implicitly; cmd/ binaries wire flags into a Config explicitly.
package config

import "time"

// Config configures one relaykv instance: which namespace and queue it
// operates on and how to reach the backend behind it. The lock,
// processor and backend adapter each fix their own timing constants to
// the literal values spec.md's protocol descriptions specify (see
// lock.TTL, processor.MaxHang, backend.MaxCommandRetries and friends);
// those aren't instance-specific settings, so Config doesn't carry them.
type Config struct {
	Namespace string
	QueueID   string

	Addr     string
	Password string
	DB       int

	DialTimeout time.Duration
}

// Default returns a Config for namespace/queueID pointed at addr.
func Default(namespace, queueID, addr string) Config {
	return Config{
		Namespace:   namespace,
		QueueID:     queueID,
		Addr:        addr,
		DB:          0,
		DialTimeout: 5 * time.Second,
	}
}
