package icap

// ICAP status codes as defined in RFC 3507.
const (
	StatusContinue             = 100
	StatusOK                   = 200
	StatusNoModifications      = 204
	StatusBadRequest           = 400
	StatusServiceNotFound      = 404
	StatusMethodNotAllowed     = 405
	StatusRequestTimeout       = 408
	StatusServerError          = 500
	StatusMethodNotImplemented = 501
	StatusBadGateway           = 502
	StatusServiceOverloaded    = 503
	StatusVersionNotSupported  = 505
)

var statusText = map[int]string{
	StatusContinue:             "Continue",
	StatusOK:                   "OK",
	StatusNoModifications:      "No modifications needed",
	StatusBadRequest:           "Bad request",
	StatusServiceNotFound:      "ICAP Service not found",
	StatusMethodNotAllowed:     "Method not allowed for service",
	StatusRequestTimeout:       "Request timeout",
	StatusServerError:          "Server error",
	StatusMethodNotImplemented: "Method not implemented",
	StatusBadGateway:           "Bad gateway",
	StatusServiceOverloaded:    "Service overloaded",
	StatusVersionNotSupported:  "ICAP version not supported by server",
}

// StatusText returns the reason phrase for code, or "" if it is unknown.
func StatusText(code int) string {
	return statusText[code]
}
