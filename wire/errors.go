package wire

import "errors"

// Code classifies the outcome of a request on the wire.
type Code string

const (
	CodeOK               Code = "ok"
	CodeBadRequest       Code = "bad_request"
	CodeNameConflict     Code = "name_conflict"
	CodeNotFound         Code = "not_found"
	CodeSessionFull      Code = "session_full"
	CodeServerFull       Code = "server_full"
	CodePermissionDenied Code = "permission_denied"
	CodeRejected         Code = "rejected"
	CodeInternal         Code = "internal"
)

// Sentinel errors corresponding to the response codes above. Callers match
// them with errors.Is.
var (
	ErrBadRequest       = errors.New("malformed request")
	ErrNameConflict     = errors.New("name already in use")
	ErrNotFound         = errors.New("no such game")
	ErrSessionFull      = errors.New("game is full")
	ErrServerFull       = errors.New("server is at capacity")
	ErrPermissionDenied = errors.New("permission denied")
	ErrRejected         = errors.New("move rejected")
	ErrInternal         = errors.New("internal server error")
)

// CodeOf maps an error to the code reported to the client. Errors outside
// the taxonomy report as CodeInternal.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrNameConflict):
		return CodeNameConflict
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrSessionFull):
		return CodeSessionFull
	case errors.Is(err, ErrServerFull):
		return CodeServerFull
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrRejected):
		return CodeRejected
	default:
		return CodeInternal
	}
}

// Err returns the sentinel for a response code, or nil for CodeOK. Unknown
// codes map to ErrInternal.
func (c Code) Err() error {
	switch c {
	case CodeOK:
		return nil
	case CodeBadRequest:
		return ErrBadRequest
	case CodeNameConflict:
		return ErrNameConflict
	case CodeNotFound:
		return ErrNotFound
	case CodeSessionFull:
		return ErrSessionFull
	case CodeServerFull:
		return ErrServerFull
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeRejected:
		return ErrRejected
	default:
		return ErrInternal
	}
}
