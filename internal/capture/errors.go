package capture

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by requests made after Close.
	ErrClosed = errors.New("capture controller closed")
	// ErrAlreadyListening rejects a native start while a native session runs.
	ErrAlreadyListening = errors.New("already listening")
	// ErrCloudActive rejects any start while a cloud recording or its upload is in flight.
	ErrCloudActive = errors.New("cloud recording in progress")
	// ErrNoBackend reports that neither the native recognizer nor the cloud
	// path (microphone + transcriber) is wired.
	ErrNoBackend = errors.New("no capture backend available")
	// ErrNoSink reports a controller constructed without a target field.
	ErrNoSink = errors.New("capture sink is required")
)

// ErrorKind classifies capture failures for user-facing messaging.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindPermissionDenied
	KindNoSpeechDetected
	KindNetworkError
	KindServiceUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindNoSpeechDetected:
		return "no_speech_detected"
	case KindNetworkError:
		return "network_error"
	case KindServiceUnavailable:
		return "service_unavailable"
	default:
		return "unknown"
	}
}

// Error is a classified capture failure. Adapters return it so the controller
// can report the right message without inspecting transport details.
type Error struct {
	Kind ErrorKind
	Err  error
}

// NewError wraps err with kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message()
	}
	return fmt.Sprintf("%s: %v", e.Message(), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message is the user-facing text for the failure.
func (e *Error) Message() string {
	switch e.Kind {
	case KindPermissionDenied:
		return "Microphone permission denied. Please allow microphone access and try again."
	case KindNoSpeechDetected:
		return "No speech detected. Please try again."
	case KindNetworkError:
		return "Network error during speech recognition."
	case KindServiceUnavailable:
		return "Transcription service is unavailable (503). Please try again later."
	default:
		return "Speech recognition failed."
	}
}

// Classify maps any error onto the capture taxonomy.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var captureErr *Error
	if errors.As(err, &captureErr) {
		return captureErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindNetworkError, err)
	}
	return NewError(KindUnknown, err)
}

// KindOf returns the classified kind of err (KindUnknown for nil or foreign errors).
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	return Classify(err).Kind
}
