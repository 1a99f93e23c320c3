// Package errs2 builds on github.com/zeebo/errs with a sanitizer that
// classifies an error into one of the store's three error kinds (spec §7)
// before it is logged or returned to a caller, so environmental failures
// never get silently conflated with ordinary user errors.
package errs2

import (
	"fmt"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Kind classifies an error the way spec §7 does.
type Kind int

const (
	// KindInternal is the default for any error not present in a
	// sanitizer's CodeMap: treated as environmental/corruption.
	KindInternal Kind = iota
	// KindUser is a caller-correctable error (RevisionConflict, ...).
	KindUser
	// KindTransient is a shed-and-retry error (Overloaded).
	KindTransient
)

// CodeMap maps an error's *errs.Class to the Kind it should be reported as.
type CodeMap map[*errs.Class]Kind

// LoggingSanitizer wraps an optional errs.Class and an optional *zap.Logger
// around error reporting: unknown classes are folded into an opaque
// internal error (never leaking details to the caller) while still being
// logged in full, and classes present in the CodeMap keep their message
// but carry their Kind for the caller to act on.
type LoggingSanitizer struct {
	wrapper *errs.Class
	log     *zap.Logger
	codeMap CodeMap
}

// NewLoggingSanitizer builds a sanitizer. wrapper and log may be nil.
func NewLoggingSanitizer(wrapper *errs.Class, log *zap.Logger, codeMap CodeMap) *LoggingSanitizer {
	return &LoggingSanitizer{wrapper: wrapper, log: log, codeMap: codeMap}
}

// Error sanitizes err: if its class is registered in the CodeMap, the
// original message (wrapped, if a wrapper class was configured) is
// returned; otherwise only msg survives, with the original logged but
// never surfaced. Either way, the full original error is logged when a
// logger is configured.
func (s *LoggingSanitizer) Error(msg string, err error) error {
	if err == nil {
		return nil
	}

	kind, code := s.classify(err)

	if s.log != nil {
		s.log.Error(msg, zap.Error(s.logged(err)))
	}

	if kind != KindInternal {
		if s.wrapper != nil {
			return s.wrapper.Wrap(err)
		}
		return err
	}

	_ = code
	if s.wrapper != nil {
		return s.wrapper.New("%s", msg)
	}
	return fmt.Errorf("%s", msg)
}

// Kind reports the Kind assigned to err by this sanitizer's CodeMap.
func (s *LoggingSanitizer) Kind(err error) Kind {
	kind, _ := s.classify(err)
	return kind
}

func (s *LoggingSanitizer) logged(err error) error {
	if s.wrapper == nil {
		return err
	}
	return s.wrapper.Wrap(err)
}

func (s *LoggingSanitizer) classify(err error) (Kind, bool) {
	for class, kind := range s.codeMap {
		if class.Has(err) {
			return kind, true
		}
	}
	return KindInternal, false
}
