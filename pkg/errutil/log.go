// Package errutil provides shared helpers for rendering errors into logs.
package errutil

import (
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs an error with structured context if it's an oops error.
// For oops errors, it extracts and logs the message, code, context, and
// stacktrace. For standard errors, it logs the error string.
func LogError(logger *slog.Logger, msg string, err error) {
	if oopsErr, ok := oops.AsOops(err); ok {
		attrs := []any{
			"error", oopsErr.Error(),
		}
		if code := oopsErr.Code(); code != "" {
			attrs = append(attrs, "code", code)
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			attrs = append(attrs, "context", ctx)
		}
		if st := oopsErr.Stacktrace(); st != "" {
			attrs = append(attrs, "stacktrace", st)
		}
		logger.Error(msg, attrs...)
		return
	}
	logger.Error(msg, "error", err)
}

// Code extracts the oops error code from err, or "" if err is not an oops
// error or carries no code, so a caller can classify a failure against the
// taxonomy in spec §7 without importing oops itself.
func Code(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := oopsErr.Code().(string)
	return code
}
