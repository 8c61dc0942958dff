package transfer

import (
	"strings"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/events"
)

// stderr substring classification, checked in order against the
// lower-cased tail. First match wins.
var failureClasses = []struct {
	substr string
	code   errdefs.Code
	label  string
}{
	{"no such file or directory", errdefs.CodeValidation, "file not found"},
	{"permission denied", errdefs.CodeForbidden, "permission denied"},
	{"connection refused", errdefs.CodeConnection, "connection refused"},
	{"connection unexpectedly closed", errdefs.CodeConnection, "connection closed"},
	{"unreachable", errdefs.CodeConnection, "host unreachable"},
	{"connection timed out", errdefs.CodeTimeout, "connection timed out"},
	{"timed out", errdefs.CodeTimeout, "operation timed out"},
	{"invalid argument", errdefs.CodeValidation, "invalid argument"},
	{"unknown option", errdefs.CodeValidation, "invalid option"},
	{"ssh:", errdefs.CodeConnection, "ssh failure"},
	{"sshpass:", errdefs.CodeUnauthorized, "authentication failure"},
	{"rsync error", errdefs.CodeTransfer, "copy tool failure"},
	{"rsync:", errdefs.CodeTransfer, "copy tool failure"},
}

// classifyFailure maps a non-zero exit into a coded error. The last
// stderr line is the primary message; the full tail rides in details.
func classifyFailure(exitCode int, stderrTail []string) error {
	primary := ""
	if n := len(stderrTail); n > 0 {
		primary = stderrTail[n-1]
	}

	joined := strings.ToLower(strings.Join(stderrTail, "\n"))
	code := errdefs.CodeTransfer
	label := "copy process failed"
	for _, fc := range failureClasses {
		if strings.Contains(joined, fc.substr) {
			code, label = fc.code, fc.label
			break
		}
	}

	msg := label
	if primary != "" {
		msg += ": " + primary
	}
	return errdefs.New(code, "%s (exit %d)", msg, exitCode).WithDetails(map[string]any{
		"exit_code":   exitCode,
		"stderr_tail": stderrTail,
	})
}

// errorType maps an error code onto the event taxonomy.
func errorType(err error) events.ErrorType {
	switch errdefs.CodeOf(err) {
	case errdefs.CodeConnection, errdefs.CodeUnauthorized:
		return events.ErrorConnection
	case errdefs.CodeValidation, errdefs.CodeForbidden:
		return events.ErrorValidation
	case errdefs.CodeSpawn:
		return events.ErrorSpawn
	case errdefs.CodeScan:
		return events.ErrorScan
	case errdefs.CodeSystem:
		return events.ErrorSystem
	default:
		return events.ErrorTransfer
	}
}
