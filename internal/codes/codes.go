package codes

import (
	perrors "github.com/jmgilman/go/errors"
)

// Messages maps failure codes to the alert shown when an operation fails
// without a more specific message of its own
var Messages = map[perrors.ErrorCode]string{
	perrors.CodeTimeout:        "Timed out waiting for an input file",
	perrors.CodeNetwork:        "Network error talking to the archive or object storage",
	perrors.CodeUnavailable:    "Shared cache is temporarily unavailable",
	perrors.CodeInvalidInput:   "Invalid operation input",
	perrors.CodeNotFound:       "Input file not found",
	perrors.CodeNotImplemented: "Operation not implemented",
	perrors.CodeInternal:       "Internal error",
	perrors.CodeUnknown:        "Unknown error",
}

// GetErrorMessage returns the alert for a code, or a generic message if unknown
func GetErrorMessage(code perrors.ErrorCode) string {
	if msg, ok := Messages[code]; ok {
		return msg
	}

	return "Unknown error"
}

// UserMessage returns the human-readable text recorded for a failed operation.
// Coded errors carry their own message; anything else falls back to the error text.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var pe perrors.PlatformError
	if perrors.As(err, &pe) {
		if pe.Message() != "" {
			return pe.Message()
		}

		return GetErrorMessage(pe.Code())
	}

	return err.Error()
}

// IsUserAlert reports whether err should be shown to the user as-is and never retried
func IsUserAlert(err error) bool {
	switch perrors.GetCode(err) {
	case perrors.CodeTimeout, perrors.CodeInvalidInput, perrors.CodeNotFound:
		return !perrors.IsRetryable(err)
	}

	return false
}
