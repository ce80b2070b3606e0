package upstream

import (
	"fmt"
	"io"

	gateway "github.com/eugener/moria/internal"
)

// arrayScanner incrementally splits a bracketed concatenated-JSON array
// (`[ obj , obj ]` with arbitrary comma/newline/space separators) into
// complete object byte slices. Chunks may split mid-string or mid-object;
// the scanner carries its state across Feed calls.
type arrayScanner struct {
	opened   bool
	closed   bool
	depth    int
	inString bool
	escape   bool
	buf      []byte
}

// Feed consumes one chunk and invokes emit for every object completed within
// it. Returns an error on malformed top-level framing.
func (s *arrayScanner) Feed(chunk []byte, emit func([]byte) error) error {
	for _, b := range chunk {
		if s.closed {
			// Trailing bytes after ] are ignored.
			return nil
		}

		if s.depth == 0 {
			switch b {
			case '[':
				if s.opened {
					return fmt.Errorf("%w: nested top-level '['", gateway.ErrUpstreamProtocol)
				}
				s.opened = true
			case ']':
				if !s.opened {
					return fmt.Errorf("%w: ']' before '['", gateway.ErrUpstreamProtocol)
				}
				s.closed = true
			case '{':
				if !s.opened {
					return fmt.Errorf("%w: object before '['", gateway.ErrUpstreamProtocol)
				}
				s.depth = 1
				s.buf = append(s.buf[:0], b)
			case ',', ' ', '\t', '\r', '\n':
				// Separator noise between objects.
			default:
				return fmt.Errorf("%w: unexpected byte %q between objects", gateway.ErrUpstreamProtocol, b)
			}
			continue
		}

		s.buf = append(s.buf, b)

		if s.escape {
			s.escape = false
			continue
		}
		if s.inString {
			switch b {
			case '\\':
				s.escape = true
			case '"':
				s.inString = false
			}
			continue
		}
		switch b {
		case '"':
			s.inString = true
		case '{':
			s.depth++
		case '}':
			s.depth--
			if s.depth == 0 {
				if err := emit(s.buf); err != nil {
					return err
				}
				s.buf = s.buf[:0]
			}
		}
	}
	return nil
}

// Done reports whether the top-level array closed cleanly.
func (s *arrayScanner) Done() bool { return s.closed }

// scanArray drains r through an arrayScanner, calling emit per complete
// object. It fails with an upstream protocol error when the body ends before
// the array closes.
func scanArray(r io.Reader, emit func([]byte) error) error {
	var s arrayScanner
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := s.Feed(buf[:n], emit); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			if !s.Done() {
				return fmt.Errorf("%w: stream ended before array close", gateway.ErrUpstreamProtocol)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read stream: %v", gateway.ErrUpstreamTransport, err)
		}
		if s.Done() {
			return nil
		}
	}
}
