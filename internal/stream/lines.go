package stream

import (
	"bytes"
	"errors"
	"io"
)

// LineSplitter reassembles newline-terminated lines from arbitrary chunks.
// The result never depends on where chunk boundaries fall.
type LineSplitter struct {
	buf []byte
}

// Feed appends chunk and returns every line it completed, without the
// terminator. A trailing carriage return is dropped.
func (s *LineSplitter) Feed(chunk []byte) []string {
	s.buf = append(s.buf, chunk...)
	var lines []string
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(s.buf[:i], []byte("\r"))))
		s.buf = s.buf[i+1:]
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return lines
}

// Flush returns the unterminated remainder, if any, and resets the splitter.
func (s *LineSplitter) Flush() (string, bool) {
	if len(s.buf) == 0 {
		return "", false
	}
	line := string(bytes.TrimSuffix(s.buf, []byte("\r")))
	s.buf = nil
	return line, true
}

// ReadLines reads r until EOF and calls fn for every line as soon as it is
// complete, then once more for a trailing partial line.
func ReadLines(r io.Reader, fn func(line string)) error {
	var splitter LineSplitter
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range splitter.Feed(buf[:n]) {
				fn(line)
			}
		}
		if err != nil {
			if last, ok := splitter.Flush(); ok {
				fn(last)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
