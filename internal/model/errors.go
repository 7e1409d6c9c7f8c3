package model

import "errors"

// ErrorClass is a sentinel error that belongs to a small implication
// hierarchy: an error of class C also matches every ancestor of C when
// tested with errors.Is.
type ErrorClass struct {
	name    string
	msg     string
	parents []*ErrorClass
}

func newClass(name, msg string, parents ...*ErrorClass) *ErrorClass {
	return &ErrorClass{name: name, msg: msg, parents: parents}
}

// Error class hierarchy. Classes are matched with errors.Is, so a wrapped
// ErrTryAgainLater also satisfies errors.Is(err, ErrSubmit) and
// errors.Is(err, ErrRecoverable).
var (
	ErrRecoverable   = newClass("RecoverableError", "recoverable error")
	ErrUnrecoverable = newClass("UnrecoverableError", "unrecoverable error")
	ErrFatal         = newClass("FatalError", "fatal error", ErrUnrecoverable)

	ErrConfiguration     = newClass("ConfigurationError", "configuration error", ErrFatal)
	ErrAuth              = newClass("AuthError", "authentication error")
	ErrUnrecoverableAuth = newClass("UnrecoverableAuthError", "unrecoverable authentication error", ErrAuth, ErrUnrecoverable)

	ErrNoResources         = newClass("NoResources", "no resources available")
	ErrInvalidResourceName = newClass("InvalidResourceName", "invalid resource name")
	ErrUnknownJob          = newClass("UnknownJob", "job unknown to the resource")
	ErrInvalidOperation    = newClass("InvalidOperation", "invalid operation")
	ErrOutputNotAvailable  = newClass("OutputNotAvailable", "output not available", ErrInvalidOperation)
	ErrInternal            = newClass("InternalError", "internal error")

	ErrSubmit                 = newClass("SubmitError", "submission failed")
	ErrTryAgainLater          = newClass("TryAgainLater", "resource not ready, try again later", ErrSubmit, ErrRecoverable)
	ErrMaximumCapacityReached = newClass("MaximumCapacityReached", "maximum capacity reached", ErrSubmit, ErrRecoverable)

	ErrDataStaging              = newClass("DataStagingError", "data staging failed")
	ErrRecoverableDataStaging   = newClass("RecoverableDataStagingError", "temporary data staging failure", ErrDataStaging, ErrRecoverable)
	ErrUnrecoverableDataStaging = newClass("UnrecoverableDataStagingError", "permanent data staging failure", ErrDataStaging, ErrUnrecoverable)
)

// Name returns the class name used as an error-policy keyword.
func (c *ErrorClass) Name() string { return c.name }

func (c *ErrorClass) Error() string { return c.msg }

// Is reports whether target is c or one of its ancestors.
func (c *ErrorClass) Is(target error) bool {
	t, ok := target.(*ErrorClass)
	if !ok {
		return false
	}
	return c.descendsFrom(t)
}

func (c *ErrorClass) descendsFrom(t *ErrorClass) bool {
	if c == t {
		return true
	}
	for _, p := range c.parents {
		if p.descendsFrom(t) {
			return true
		}
	}
	return false
}

// Lineage returns the names of c and all of its ancestors, c first.
func (c *ErrorClass) Lineage() []string {
	seen := make(map[*ErrorClass]bool)
	var names []string
	var walk func(*ErrorClass)
	walk = func(k *ErrorClass) {
		if seen[k] {
			return
		}
		seen[k] = true
		names = append(names, k.name)
		for _, p := range k.parents {
			walk(p)
		}
	}
	walk(c)
	return names
}

// ClassOf returns the first ErrorClass found in err's chain, or nil.
func ClassOf(err error) *ErrorClass {
	var c *ErrorClass
	if errors.As(err, &c) {
		return c
	}
	return nil
}

// ClassName returns the class name of err, or "error" for unclassified errors.
func ClassName(err error) string {
	if c := ClassOf(err); c != nil {
		return c.name
	}
	return "error"
}

// IsFatal reports whether err must always propagate to the caller regardless
// of any error-ignoring policy.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal) || errors.Is(err, ErrAuth)
}
