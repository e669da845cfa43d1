package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Kind classifies a failure of the price monitoring pipeline.
type Kind string

const (
	// KindNavigationTimeout is a page load that ran past its deadline. The task is requeued.
	KindNavigationTimeout Kind = "navigation_timeout"
	// KindBlocked means the bot defense served a challenge. It aborts the current batch.
	KindBlocked Kind = "blocked"
	// KindNoComparison is a listing without other sellers. It is a normal outcome.
	KindNoComparison Kind = "no_comparison"
	// KindExtractionFailed means neither extraction strategy matched the page.
	KindExtractionFailed Kind = "extraction_failed"
	// KindServiceUnavailable means the task queue could not be reached.
	KindServiceUnavailable Kind = "service_unavailable"
	// KindEngineFailure means a browser engine crashed or could not be opened.
	KindEngineFailure Kind = "engine_failure"
	// KindWorkerShutdown marks a task abandoned because the worker is stopping.
	KindWorkerShutdown Kind = "worker_shutdown"
	// KindConfiguration is an unrecoverable configuration problem.
	KindConfiguration Kind = "configuration"
)

// MonitorError carries the failure kind together with the engine that produced it.
type MonitorError struct {
	Kind    Kind
	Engine  string
	Message string
	Err     error
	Time    time.Time
}

func (e *MonitorError) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Kind)
	if e.Engine != "" {
		prefix = fmt.Sprintf("[%s] %s:", e.Kind, e.Engine)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s - %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

func (e *MonitorError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the task should go back to the queue
// instead of being recorded as failed.
func (e *MonitorError) IsRetryable() bool {
	return RetryableKind(e.Kind)
}

// RetryableKind is used by the queue service, which only sees the kind string
// of a submitted result.
func RetryableKind(k Kind) bool {
	switch k {
	case KindNavigationTimeout, KindWorkerShutdown, KindEngineFailure:
		return true
	default:
		return false
	}
}

func New(kind Kind, engine, message string, err error) *MonitorError {
	return &MonitorError{
		Kind:    kind,
		Engine:  engine,
		Message: message,
		Err:     err,
		Time:    time.Now(),
	}
}

func NewNavigationTimeout(engine, url string, err error) *MonitorError {
	return New(KindNavigationTimeout, engine, "navigation timed out: "+url, err)
}

func NewBlocked(engine, message string) *MonitorError {
	return New(KindBlocked, engine, message, nil)
}

func NewNoComparison(message string) *MonitorError {
	return New(KindNoComparison, "", message, nil)
}

func NewExtractionFailed(message string, err error) *MonitorError {
	return New(KindExtractionFailed, "", message, err)
}

func NewServiceUnavailable(message string, err error) *MonitorError {
	return New(KindServiceUnavailable, "", message, err)
}

func NewEngineFailure(engine, message string, err error) *MonitorError {
	return New(KindEngineFailure, engine, message, err)
}

func NewWorkerShutdown(message string) *MonitorError {
	return New(KindWorkerShutdown, "", message, nil)
}

func NewConfiguration(message string, err error) *MonitorError {
	return New(KindConfiguration, "", message, err)
}

// KindOf returns the kind of the first MonitorError in err's chain, or "".
func KindOf(err error) Kind {
	var me *MonitorError
	if stderrors.As(err, &me) {
		return me.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsBlocked(err error) bool {
	return IsKind(err, KindBlocked)
}

func IsRetryable(err error) bool {
	var me *MonitorError
	if stderrors.As(err, &me) {
		return me.IsRetryable()
	}
	return false
}
