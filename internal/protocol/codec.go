package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

type flusher interface {
	Flush() error
}

// ParseHeaders splits a header line on whitespace and each token on its
// first colon. The result always carries a valid len header.
func ParseHeaders(line string) (Headers, error) {
	fields := strings.Fields(line)
	h := make(Headers, len(fields))
	for _, tok := range fields {
		key, val, ok := strings.Cut(tok, ":")
		if !ok {
			return nil, fmt.Errorf("%w: token %q has no ':'", ErrMalformedHeader, tok)
		}
		h[key] = val
	}
	if _, err := h.Len(); err != nil {
		return nil, err
	}
	return h, nil
}

// ReadHeaderLine blocks until one newline-terminated line is available.
func ReadHeaderLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: reading header after %d bytes", ErrStreamClosed, len(line))
		}
		return nil, classifyReadErr("read header", err)
	}
	return line, nil
}

// ReadEventHeader reads and parses one header line. maxPayload > 0 rejects
// a larger len before any payload byte is consumed. The returned Event
// carries the raw Header whenever a full line arrived.
func ReadEventHeader(r *bufio.Reader, maxPayload int) (Event, error) {
	line, err := ReadHeaderLine(r)
	if err != nil {
		return Event{}, err
	}
	ev := Event{Header: line}
	h, err := ParseHeaders(string(line))
	if err != nil {
		return ev, err
	}
	n, _ := h.Len()
	if maxPayload > 0 && n > maxPayload {
		return ev, fmt.Errorf("%w: len=%d exceeds limit %d", ErrMalformedHeader, n, maxPayload)
	}
	ev.Headers = h
	ev.Len = n
	return ev, nil
}

// ReadEvent reads one header line and exactly len payload bytes after it.
func ReadEvent(r *bufio.Reader, maxPayload int) (Event, error) {
	ev, err := ReadEventHeader(r, maxPayload)
	if err != nil {
		return ev, err
	}
	ev.Payload, err = ReadPayload(r, ev.Len)
	return ev, err
}

// ReadPayload reads exactly n bytes from r, never more. The buffer grows
// with the data actually received.
func ReadPayload(r io.Reader, n int) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	var buf bytes.Buffer
	got, err := io.CopyN(&buf, r, int64(n))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: payload got %d of %d bytes", ErrStreamClosed, got, n)
		}
		return nil, classifyReadErr("read payload", err)
	}
	return buf.Bytes(), nil
}

// WriteReady writes the readiness token and flushes.
func WriteReady(w io.Writer) error {
	if _, err := io.WriteString(w, ReadyToken); err != nil {
		return fmt.Errorf("write ready: %w", err)
	}
	return flush(w)
}

// WriteResult writes a result frame whose announced length is derived
// from payload, then flushes. No newline follows the payload.
func WriteResult(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "RESULT %d\n", len(payload)); err != nil {
		return fmt.Errorf("write result header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write result payload: %w", err)
	}
	return flush(w)
}

// DecodeResult is the controller half of WriteResult.
func DecodeResult(r *bufio.Reader) ([]byte, error) {
	line, err := ReadHeaderLine(r)
	if err != nil {
		return nil, err
	}
	word, size, ok := strings.Cut(strings.TrimSuffix(string(line), "\n"), " ")
	if !ok || word != "RESULT" {
		return nil, fmt.Errorf("%w: expected RESULT line, got %q", ErrMalformedHeader, line)
	}
	n, err := strconv.Atoi(size)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: bad result length %q", ErrMalformedHeader, size)
	}
	return ReadPayload(r, n)
}

// ExpectReady consumes one readiness token from r.
func ExpectReady(r *bufio.Reader) error {
	line, err := ReadHeaderLine(r)
	if err != nil {
		return err
	}
	if string(line) != ReadyToken {
		return fmt.Errorf("%w: expected READY, got %q", ErrMalformedHeader, line)
	}
	return nil
}

func flush(w io.Writer) error {
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	return nil
}

func classifyReadErr(op string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrReadTimeout, op, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("%w: %s: %v", ErrStreamClosed, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
