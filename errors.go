package idmapped

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by this package wraps exactly one of them.
var (
	// ErrUsage is returned for malformed invocations, e.g an unparsable idmap.
	ErrUsage = errors.New("usage error")
	// ErrPrivilege is returned if a privileged control file
	// could not be opened or written.
	ErrPrivilege = errors.New("privilege error")
	// ErrResource is returned if a process, namespace or buffer
	// could not be created.
	ErrResource = errors.New("resource error")
	// ErrKernel is returned if the kernel refused a mount operation.
	ErrKernel = errors.New("kernel rejected operation")
)

// ErrTooManyMappings is returned if the formatted mappings of one kind
// do not fit into a single idmap write.
var ErrTooManyMappings = fmt.Errorf("%w: too many mappings", ErrResource)

// Error describes a failed operation.
type Error struct {
	// Kind is one of ErrUsage, ErrPrivilege, ErrResource, ErrKernel.
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the error class and the cause,
// so errors.Is matches both.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func usageErrorf(format string, args ...interface{}) error {
	return &Error{Kind: ErrUsage, Op: fmt.Sprintf(format, args...)}
}

func opError(kind error, op string, path string, err error) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}
