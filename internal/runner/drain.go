package runner

import (
	"bufio"
	"io"
	"strings"
	"time"

	"github.com/loykin/sentinel/internal/workload"
)

// drain reads one pipe line by line. Lines longer than the configured bound
// are split: the first record carries the truncation marker, the remainder
// continues in following records. A line of exactly the bound stays whole.
func (r *Runner) drain(rd io.Reader, stream workload.Stream, mirror io.Writer) {
	defer r.drainWG.Done()
	br := bufio.NewReaderSize(rd, 32*1024)
	buf := make([]byte, 0, r.cfg.MaxLineBytes)
	emit := func(truncated bool) {
		text := strings.ToValidUTF8(string(buf), "�")
		if mirror != nil {
			_, _ = mirror.Write(append([]byte(text), '\n'))
		}
		r.lines <- Line{Stream: stream, Text: text, Truncated: truncated, Time: time.Now()}
		buf = buf[:0]
	}
	for {
		b, err := br.ReadByte()
		if err != nil {
			if len(buf) > 0 {
				emit(false)
			}
			return
		}
		if b == '\n' {
			emit(false)
			continue
		}
		buf = append(buf, b)
		if len(buf) == r.cfg.MaxLineBytes {
			// Exactly at the bound: only overflow (more non-newline bytes)
			// forces a split.
			next, perr := br.Peek(1)
			if perr == nil && next[0] != '\n' {
				emit(true)
			}
		}
	}
}
