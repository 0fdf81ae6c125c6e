// Package sse frames server-sent-event streams into complete events.
// Provider streaming parsers sit on top of it; they never see partial
// lines, only whole event/data records.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is one complete server-sent event. Data joins all data: lines of
// the event with newlines, as the protocol specifies.
type Event struct {
	Name string
	Data string
}

// Scanner reads events from a byte stream. Lines split across physical
// reads are buffered internally (bufio retains the partial trailing line
// between reads), so arbitrary network chunking cannot split an event.
type Scanner struct {
	scanner *bufio.Scanner
	event   Event
	err     error

	// pending state for the event being assembled
	name string
	data strings.Builder
	open bool // saw at least one field line since the last dispatch
}

// maxLine bounds a single SSE line; argument fragments are small but data
// lines carrying whole JSON payloads can be large.
const maxLine = 1024 * 1024

// NewScanner wraps r. The reader is consumed incrementally; Next blocks
// only on the next available bytes.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Scanner{scanner: s}
}

// Next advances to the next complete event. It returns false at end of
// stream or on a read error; check Err afterwards.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			if s.flush() {
				return true
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			// comment / keep-alive
			continue
		}
		if name, ok := fieldValue(line, "event"); ok {
			s.name = name
			s.open = true
			continue
		}
		if data, ok := fieldValue(line, "data"); ok {
			if s.data.Len() > 0 {
				s.data.WriteByte('\n')
			}
			s.data.WriteString(data)
			s.open = true
			continue
		}
		// Unknown field (id:, retry:, ...): part of the event but not
		// meaningful to us.
		s.open = true
	}

	if err := s.scanner.Err(); err != nil {
		s.err = err
		return false
	}
	// Stream closed; a trailing event without its blank-line terminator is
	// still dispatched if it carried data. A bare "event:" line with
	// nothing following yields no event.
	return s.flush()
}

// Event returns the current event after a successful Next.
func (s *Scanner) Event() Event { return s.event }

// Err returns the first read error encountered, if any.
func (s *Scanner) Err() error { return s.err }

// flush dispatches the pending event if it has data. Events without any
// data lines (a lone "event: ping") are dropped, matching how providers
// use data-less events purely as keep-alives.
func (s *Scanner) flush() bool {
	if !s.open || s.data.Len() == 0 {
		s.name = ""
		s.data.Reset()
		s.open = false
		return false
	}
	s.event = Event{Name: s.name, Data: s.data.String()}
	s.name = ""
	s.data.Reset()
	s.open = false
	return true
}

// fieldValue parses "field: value" lines, tolerating a missing space after
// the colon as the SSE spec allows.
func fieldValue(line, field string) (string, bool) {
	if !strings.HasPrefix(line, field+":") {
		return "", false
	}
	return strings.TrimPrefix(strings.TrimPrefix(line, field+":"), " "), true
}
