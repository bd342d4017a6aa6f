package cqlio

import "github.com/cql-io/cqlio/internal/cqlerr"

// Error is the concrete type behind every classified error kind a
// Session can return. It is the same type internal packages build and
// return; aliased here so callers never import internal/cqlerr
// directly.
type Error = cqlerr.Error

// ErrorKind classifies an Error.
type ErrorKind = cqlerr.Kind

const (
	KindUnsupportedCompression             = cqlerr.KindUnsupportedCompression
	KindInvalidCacheSize                   = cqlerr.KindInvalidCacheSize
	KindConfigError                        = cqlerr.KindConfigError
	KindConnectionClosed                   = cqlerr.KindConnectionClosed
	KindConnectTimeout                     = cqlerr.KindConnectTimeout
	KindResponseTimeout                    = cqlerr.KindResponseTimeout
	KindNoHostAvailable                    = cqlerr.KindNoHostAvailable
	KindHostsBusy                          = cqlerr.KindHostsBusy
	KindParseError                         = cqlerr.KindParseError
	KindUnexpectedResponse                 = cqlerr.KindUnexpectedResponse
	KindInternalError                      = cqlerr.KindInternalError
	KindAuthenticationRequired             = cqlerr.KindAuthenticationRequired
	KindAuthenticationMechanismUnsupported = cqlerr.KindAuthenticationMechanismUnsupported
	KindUnexpectedAuthenticationChallenge  = cqlerr.KindUnexpectedAuthenticationChallenge
	KindHashCollision                      = cqlerr.KindHashCollision
	KindServer                             = cqlerr.KindServer
)

// IsKind reports whether err is a classified Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return cqlerr.IsKind(err, kind)
}
