package frame

// ErrorCode is the server's own error taxonomy, carried in an ERROR
// body.
type ErrorCode uint32

const (
	ErrServerError     ErrorCode = 0x0000
	ErrProtocolError   ErrorCode = 0x000A
	ErrAuthError       ErrorCode = 0x0100
	ErrUnavailable     ErrorCode = 0x1000
	ErrOverloaded      ErrorCode = 0x1001
	ErrIsBootstrapping ErrorCode = 0x1002
	ErrTruncateError   ErrorCode = 0x1003
	ErrWriteTimeout    ErrorCode = 0x1100
	ErrReadTimeout     ErrorCode = 0x1200
	ErrReadFailure     ErrorCode = 0x1300
	ErrFunctionFailure ErrorCode = 0x1400
	ErrWriteFailure    ErrorCode = 0x1500
	ErrSyntaxError     ErrorCode = 0x2000
	ErrUnauthorized    ErrorCode = 0x2100
	ErrInvalid         ErrorCode = 0x2200
	ErrConfigError     ErrorCode = 0x2300
	ErrAlreadyExists   ErrorCode = 0x2400
	ErrUnprepared      ErrorCode = 0x2500
)

// Retryable reports whether the dispatcher should retry this error
// kind rather than return it to the caller.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrReadTimeout, ErrWriteTimeout, ErrOverloaded, ErrUnavailable, ErrServerError:
		return true
	default:
		return false
	}
}

// ServerError is a parsed ERROR response body.
type ServerError struct {
	Code    ErrorCode
	Message string
	// UnpreparedID is set only when Code == ErrUnprepared.
	UnpreparedID []byte
}

func (e *ServerError) Error() string {
	return "cql-io: server error " + e.Message
}

// DecodeError parses an ERROR body.
func DecodeError(body []byte) (*ServerError, error) {
	r := NewReader(body)
	code, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	msg, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	se := &ServerError{Code: ErrorCode(uint32(code)), Message: msg}
	if se.Code == ErrUnprepared {
		id, err := r.ReadShortBytes()
		if err != nil {
			return nil, err
		}
		se.UnpreparedID = append([]byte(nil), id...)
	}
	return se, nil
}
