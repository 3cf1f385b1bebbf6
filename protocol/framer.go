package protocol

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// MaxLineLength bounds a single line, terminator included.
const MaxLineLength = 16 * 1024

var ErrLineTooLong = errors.New("line too long")

// Framer turns a byte stream into trimmed, non-blank text lines.
//
// Invalid UTF-8 is replaced with U+FFFD. A trailing fragment that is not
// terminated by '\n' when the stream ends is dropped, and a line longer
// than MaxLineLength ends the stream with ErrLineTooLong. Once Next has
// returned false the framer is exhausted.
type Framer struct {
	reader *bufio.Reader
	err    error
	done   bool
}

func NewFramer(r io.Reader) *Framer {
	return &Framer{reader: bufio.NewReaderSize(r, MaxLineLength)}
}

// Next blocks until a complete line is available.
func (f *Framer) Next() (string, bool) {
	for !f.done {
		raw, err := f.reader.ReadSlice('\n')
		if err != nil {
			f.done = true
			switch {
			case errors.Is(err, bufio.ErrBufferFull):
				f.err = ErrLineTooLong
			case !errors.Is(err, io.EOF):
				f.err = err
			}
			return "", false
		}

		line := strings.TrimSpace(strings.ToValidUTF8(string(raw), "\uFFFD"))
		if line == "" {
			continue
		}
		return line, true
	}
	return "", false
}

// Err returns the error that ended the stream, nil on clean EOF.
func (f *Framer) Err() error {
	return f.err
}
