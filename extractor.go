package sshhoneypot

import (
	"bytes"
	"io"
	"strings"
)

// commandExtractor turns raw keystrokes into command lines. Input is
// buffered until a chunk leaves the buffer ending in a line terminator,
// then every non-empty trimmed line in the buffer is emitted in order.
// A fragment still buffered when the session ends is dropped.
type commandExtractor struct {
	buffer []byte
	emit   func(command string)
}

func newCommandExtractor(emit func(command string)) *commandExtractor {
	return &commandExtractor{emit: emit}
}

func (extractor *commandExtractor) Write(data []byte) (int, error) {
	extractor.buffer = append(extractor.buffer, data...)
	if len(extractor.buffer) == 0 {
		return len(data), nil
	}
	last := extractor.buffer[len(extractor.buffer)-1]
	if last != '\n' && last != '\r' {
		return len(data), nil
	}
	text := string(bytes.ToValidUTF8(extractor.buffer, nil))
	extractor.buffer = extractor.buffer[:0]
	for _, line := range splitLines(text) {
		extractor.emit(line)
	}
	return len(data), nil
}

func (extractor *commandExtractor) pending() int {
	return len(extractor.buffer)
}

// splitLines splits on any of \r, \n or \r\n and drops blank lines.
func splitLines(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == '\r'
	})
	lines := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

// inputTap passes reads through unchanged and copies every chunk read
// into sink.
type inputTap struct {
	io.Reader
	sink io.Writer
}

func newInputTap(in io.Reader, sink io.Writer) io.Reader {
	return &inputTap{Reader: in, sink: sink}
}

func (tap *inputTap) Read(buff []byte) (bytes_read int, err error) {
	bytes_read, err = tap.Reader.Read(buff)
	if bytes_read > 0 {
		tap.sink.Write(buff[:bytes_read])
	}
	return bytes_read, err
}
