package cqlio

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/cql-io/cqlio/frame"
	"github.com/cql-io/cqlio/internal/cqlerr"
	"github.com/cql-io/cqlio/policy"
)

// maxStreamsForVersion is the largest number of concurrent streams a
// connection using protocol version v may be configured to multiplex:
// 128 for v3 and earlier, 32768 for v4 and later.
func maxStreamsForVersion(v frame.Version) int {
	if v <= frame.ProtoV3 {
		return 128
	}
	return 32768
}

// PrepareStrategy selects when PREPARE is issued for a previously
// unseen query. It mirrors internal/dispatch.PrepareStrategy; kept as
// a distinct type so callers never need to import an internal
// package to configure a Session.
type PrepareStrategy int

const (
	LazyPrepare PrepareStrategy = iota
	EagerPrepare
)

// Authenticator implements one SASL mechanism for the AUTHENTICATE /
// AUTH_CHALLENGE / AUTH_SUCCESS exchange. Its method set matches
// internal/conn.Authenticator exactly, so any Authenticator value is
// directly assignable into the internal settings Open builds.
type Authenticator interface {
	Mechanism() string
	InitialResponse() ([]byte, error)
	EvaluateChallenge(challenge []byte) ([]byte, error)
	Success(data []byte) error
}

// ConnectionConfig is a single connection's configuration surface.
type ConnectionConfig struct {
	ConnectTimeout  time.Duration
	SendTimeout     time.Duration
	ResponseTimeout time.Duration
	MaxStreams      int
	MaxRecvBuffer   int
	Compression     string // e.g. "lz4"; empty disables compression
	TLSConfig       *tls.Config
	// Authenticators is keyed by SASL mechanism class name; Open picks
	// the entry matching the server's AUTHENTICATE class.
	Authenticators map[string]Authenticator
}

// PoolConfig is a single host's connection pool configuration surface.
type PoolConfig struct {
	MaxConnections   int
	IdleTimeout      time.Duration
	WaitQueueTimeout time.Duration
}

// RetryConfig configures the dispatcher's per-statement retry
// behavior, including the per-attempt timeout and consistency
// mutation applied on retries after the first.
type RetryConfig struct {
	MaxAttempts           int
	BaseBackoff           time.Duration
	MaxBackoff            time.Duration
	SendTimeoutChange     time.Duration
	RecvTimeoutChange     time.Duration
	ReducedConsistency    frame.Consistency
	HasReducedConsistency bool
}

// Config is a Session's full configuration surface. Internal types
// (conn.Settings, pool.Settings, dispatch.RetrySettings, ...) are
// never exposed directly; Open translates a Config into them.
type Config struct {
	// Contacts lists "host:port" seed addresses; Open dials them in
	// order until one accepts the control connection.
	Contacts []string
	Keyspace string

	ProtocolVersion frame.Version

	Connection ConnectionConfig
	Pool       PoolConfig
	Retry      RetryConfig

	// Policy picks the host-selection strategy. Nil defaults to
	// policy.NewRoundRobin().
	Policy policy.Policy

	PrepareStrategy PrepareStrategy

	// RateLimit, if set, bounds the rate of statements accepted by
	// Query/ExecutePrepared/Batch; callers block in Wait until a
	// token is available or ctx is canceled.
	RateLimit *rate.Limiter

	Logger hclog.Logger
}

// DefaultConfig returns a Config with the library's baseline timeouts,
// pool sizing, and retry behavior, ready to be pointed at contacts.
func DefaultConfig(contacts ...string) Config {
	return Config{
		Contacts:        contacts,
		ProtocolVersion: frame.ProtoV4,
		Connection: ConnectionConfig{
			ConnectTimeout:  10 * time.Second,
			SendTimeout:     5 * time.Second,
			ResponseTimeout: 10 * time.Second,
			MaxStreams:      128,
			MaxRecvBuffer:   16 * 1024 * 1024,
		},
		Pool: PoolConfig{
			MaxConnections:   2,
			IdleTimeout:      10 * time.Minute,
			WaitQueueTimeout: 5 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseBackoff: 10 * time.Millisecond,
			MaxBackoff:  200 * time.Millisecond,
		},
		PrepareStrategy: LazyPrepare,
	}
}

// Validate checks cfg for values Open cannot safely act on, returning
// a *Error of KindConfigError describing the first problem found.
func (cfg Config) Validate() error {
	if len(cfg.Contacts) == 0 {
		return cqlerr.New(cqlerr.KindConfigError).WithReason("Contacts must list at least one address")
	}
	version := cfg.ProtocolVersion
	if version == 0 {
		version = frame.ProtoV4
	}
	if cfg.Connection.MaxStreams < 0 {
		return cqlerr.New(cqlerr.KindConfigError).WithReason("Connection.MaxStreams must not be negative")
	}
	if ceiling := maxStreamsForVersion(version); cfg.Connection.MaxStreams > ceiling {
		return cqlerr.New(cqlerr.KindConfigError).WithReason(fmt.Sprintf(
			"Connection.MaxStreams %d exceeds the %d streams protocol version 0x%02x supports",
			cfg.Connection.MaxStreams, ceiling, uint8(version)))
	}
	return nil
}
