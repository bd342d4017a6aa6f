package conn

import (
	"crypto/tls"
	"time"
)

// Authenticator implements one SASL mechanism for the AUTHENTICATE /
// AUTH_CHALLENGE / AUTH_SUCCESS exchange.
type Authenticator interface {
	// Mechanism is the authenticator class name this Authenticator
	// answers for (must match the server's AUTHENTICATE class).
	Mechanism() string
	// InitialResponse builds the first AUTH_RESPONSE body.
	InitialResponse() ([]byte, error)
	// EvaluateChallenge answers one AUTH_CHALLENGE.
	EvaluateChallenge(challenge []byte) ([]byte, error)
	// Success is called with the AUTH_SUCCESS body, if any.
	Success(data []byte) error
}

// Settings is a connection's configuration surface.
type Settings struct {
	ConnectTimeout  time.Duration
	SendTimeout     time.Duration
	ResponseTimeout time.Duration
	MaxStreams      int
	MaxRecvBuffer   int
	Compression     string // e.g. "lz4"; empty disables compression
	TLSConfig       *tls.Config
	DefaultKeyspace string
	// Authenticators is keyed by SASL mechanism class name; Connect
	// picks the entry matching the server's AUTHENTICATE class.
	Authenticators map[string]Authenticator
}

// DefaultSettings mirrors common gocql-family defaults.
func DefaultSettings() Settings {
	return Settings{
		ConnectTimeout:  10 * time.Second,
		SendTimeout:     5 * time.Second,
		ResponseTimeout: 10 * time.Second,
		MaxStreams:      128,
		MaxRecvBuffer:   16 * 1024 * 1024,
	}
}
