package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

// ErrorKind partitions store failures by how the caller should react.
type ErrorKind int

const (
	// KindTransient covers connection loss, timeouts and serialization
	// failures; the retry wrapper handles these.
	KindTransient ErrorKind = iota
	// KindPermanent covers auth failures, constraint violations other than
	// duplicate keys, and invalid SQL; these surface immediately.
	KindPermanent
	// KindDuplicate is a primary-key collision on an idempotent insert; it
	// is an expected no-op, never an error for callers.
	KindDuplicate
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// StoreError carries enough context to fail the caller explicitly: the
// operation, the relay involved, the SQLSTATE-derived kind, and the cause.
type StoreError struct {
	Op    string
	Relay string
	Kind  ErrorKind
	Err   error
}

func (e *StoreError) Error() string {
	if e.Relay != "" {
		return fmt.Sprintf("storage %s (%s, relay=%s): %v", e.Op, e.Kind, e.Relay, e.Err)
	}
	return fmt.Sprintf("storage %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried at the store boundary.
func IsTransient(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == KindTransient
	}
	return classify(err) == KindTransient
}

// classify maps a database error to an ErrorKind. Unique violations are
// distinguished explicitly so idempotent inserts never silently swallow real
// failures.
func classify(err error) ErrorKind {
	if err == nil {
		return KindPermanent
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case code == "23505": // unique_violation
			return KindDuplicate
		case code == "40001" || code == "40P01": // serialization, deadlock
			return KindTransient
		case code == "57014": // query_canceled (statement timeout)
			return KindTransient
		case len(code) >= 2 && code[:2] == "08": // connection errors
			return KindTransient
		case code == "53300": // too_many_connections
			return KindTransient
		}
		return KindPermanent
	}

	return KindPermanent
}

func wrapErr(op, relay string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Relay: relay, Kind: classify(err), Err: err}
}
