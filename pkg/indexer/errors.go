package indexer

import (
	"fmt"

	"github.com/pkg/errors"
)

// BrokerRecoverableError wraps a transient broker/transport failure. The
// worker attempts exactly one LogClient.Reconnect before giving up.
type BrokerRecoverableError struct {
	Op  string
	Err error
}

func (e *BrokerRecoverableError) Error() string {
	return fmt.Sprintf("broker-recoverable error during %s: %s", e.Op, e.Err)
}

func (e *BrokerRecoverableError) Unwrap() error { return e.Err }

// BrokerFatalError wraps a non-recoverable broker failure. The worker
// transitions to Failed without attempting to reconnect.
type BrokerFatalError struct {
	Op  string
	Err error
}

func (e *BrokerFatalError) Error() string {
	return fmt.Sprintf("broker-fatal error during %s: %s", e.Op, e.Err)
}

func (e *BrokerFatalError) Unwrap() error { return e.Err }

// SinkUnreachableError means the sink's connectivity, not specific records,
// is the problem. The round ends without committing; the same offset is
// retried next round.
type SinkUnreachableError struct {
	Err error
}

func (e *SinkUnreachableError) Error() string {
	return fmt.Sprintf("sink unreachable: %s", e.Err)
}

func (e *SinkUnreachableError) Unwrap() error { return e.Err }

// SinkDataError means the sink reached the backend but rejected one or more
// staged items. These records are logged and skipped, not retried.
type SinkDataError struct {
	Detail string
}

func (e *SinkDataError) Error() string {
	return fmt.Sprintf("sink rejected records: %s", e.Detail)
}

// errorKind is the four-way classification the recovery policy uses. There is
// no separate unclassified kind: classify folds such errors into
// kindBrokerRecoverable.
type errorKind int

const (
	kindBrokerRecoverable errorKind = iota
	kindBrokerFatal
	kindSinkUnreachable
	kindSinkData
)

// classify maps err onto the fixed four-kind taxonomy. Anything that doesn't
// match one of the known error types is treated as broker-recoverable, per
// a conservative default: the worker never silently
// swallows an unclassified error.
func classify(err error) errorKind {
	var fatal *BrokerFatalError
	var recoverable *BrokerRecoverableError
	var unreachable *SinkUnreachableError
	var dataErr *SinkDataError

	switch {
	case errors.As(err, &fatal):
		return kindBrokerFatal
	case errors.As(err, &recoverable):
		return kindBrokerRecoverable
	case errors.As(err, &unreachable):
		return kindSinkUnreachable
	case errors.As(err, &dataErr):
		return kindSinkData
	default:
		return kindBrokerRecoverable
	}
}
