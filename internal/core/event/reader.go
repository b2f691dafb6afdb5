// Copyright 2025 CompliK Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package event

import (
	"bufio"
	"io"
)

// LineReader reads newline-terminated lines, keeping at most max bytes of
// each. The rest of an oversized line is read and dropped so it never shows
// up as a line of its own.
type LineReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

// NewLineReader wraps r. A non-positive max means DefaultMaxLineLength.
func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = DefaultMaxLineLength
	}
	size := max + 1
	if size < 16 {
		size = 16
	}
	return &LineReader{
		r:   bufio.NewReaderSize(r, size),
		max: max,
		buf: make([]byte, 0, max),
	}
}

// Next returns the next line without its terminator. It returns io.EOF when
// the input is exhausted.
func (lr *LineReader) Next() (string, error) {
	lr.buf = lr.buf[:0]
	partial := false
	for {
		chunk, isPrefix, err := lr.r.ReadLine()
		if err != nil {
			if partial {
				return string(lr.buf), nil
			}
			return "", err
		}
		partial = true
		if room := lr.max - len(lr.buf); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			lr.buf = append(lr.buf, chunk...)
		}
		if !isPrefix {
			return string(lr.buf), nil
		}
	}
}
