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
	"io"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func readAll(lr *LineReader) []string {
	var lines []string
	for {
		line, err := lr.Next()
		if err == io.EOF {
			return lines
		}
		Expect(err).NotTo(HaveOccurred())
		lines = append(lines, line)
	}
}

var _ = Describe("LineReader", func() {
	It("should split input into lines without terminators", func() {
		lr := NewLineReader(strings.NewReader("a\nb\r\n\nc"), 0)
		Expect(readAll(lr)).To(Equal([]string{"a", "b", "", "c"}))
	})

	It("should return io.EOF on empty input", func() {
		lr := NewLineReader(strings.NewReader(""), 0)
		_, err := lr.Next()
		Expect(err).To(Equal(io.EOF))
	})

	It("should truncate long lines and discard the overflow", func() {
		input := strings.Repeat("a", 100) + "\nnext\n"
		lr := NewLineReader(strings.NewReader(input), 10)
		Expect(readAll(lr)).To(Equal([]string{strings.Repeat("a", 10), "next"}))
	})

	It("should keep an unterminated oversized last line", func() {
		lr := NewLineReader(strings.NewReader(strings.Repeat("b", 64)), 20)
		Expect(readAll(lr)).To(Equal([]string{strings.Repeat("b", 20)}))
	})

	It("should handle lines exactly at the limit", func() {
		lr := NewLineReader(strings.NewReader("0123456789\n0123456789"), 10)
		Expect(readAll(lr)).To(Equal([]string{"0123456789", "0123456789"}))
	})
})
