// SPDX-License-Identifier: MIT

package transcribe

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
)

// progressRe matches the per-segment progress lines whisper-style binaries
// print to stderr, e.g. "whisper_print_progress_callback: progress = 42%".
var progressRe = regexp.MustCompile(`progress\s*=\s*(\d{1,3})%`)

// scanStderr drains the subprocess's stderr, keeping the tail for error
// context and feeding parsed progress values to onProgress.
func scanStderr(r io.Reader, tail *tailBuffer, onProgress func(int)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 256<<10)
	for sc.Scan() {
		line := sc.Bytes()
		_, _ = tail.Write(line)
		_, _ = tail.Write([]byte{'\n'})

		if onProgress == nil {
			continue
		}
		if m := progressRe.FindSubmatch(line); m != nil {
			if v, err := strconv.Atoi(string(m[1])); err == nil && v >= 0 && v <= 100 {
				onProgress(v)
			}
		}
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
