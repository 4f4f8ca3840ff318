package protocol

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	// ReadyToken announces that the listener can accept the next event.
	ReadyToken = "READY\n"

	// ResultOK acknowledges an event as handled.
	ResultOK = "OK"
	// ResultFail asks the controller to rebuffer the event.
	ResultFail = "FAIL"

	// LenHeader is the only header every event must carry.
	LenHeader = "len"
)

var (
	// ErrStreamClosed means the controller side of stdin went away mid-frame.
	ErrStreamClosed = errors.New("stream closed")
	// ErrMalformedHeader means the header line could not be trusted.
	ErrMalformedHeader = errors.New("malformed header")
	// ErrReadTimeout means the payload did not arrive before the read deadline.
	ErrReadTimeout = errors.New("read timeout")
)

// Headers holds the key:value tokens of one event header line.
type Headers map[string]string

// Get returns the value for key, or "" if absent.
func (h Headers) Get(key string) string {
	return h[key]
}

// Len returns the announced payload length.
func (h Headers) Len() (int, error) {
	raw, ok := h[LenHeader]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrMalformedHeader, LenHeader)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrMalformedHeader, LenHeader, raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %s=%d is negative", ErrMalformedHeader, LenHeader, n)
	}
	return n, nil
}

// EventName returns the supervisord event type, e.g. PROCESS_STATE_EXITED.
func (h Headers) EventName() string { return h["eventname"] }

// Serial returns the controller-assigned event serial.
func (h Headers) Serial() string { return h["serial"] }

// Pool returns the event pool name.
func (h Headers) Pool() string { return h["pool"] }

// Event is one header line plus its payload.
type Event struct {
	// Header is the raw header line including its trailing newline. It is
	// set whenever a full line was read, even if it failed to parse.
	Header  []byte
	Headers Headers
	// Len is the validated len header.
	Len     int
	Payload []byte
}
