package capture

import (
	"bufio"
	"io"
	"sort"
)

// Merge interleaves the lines of several processes by capture timestamp.
// Lines with equal timestamps keep their sequence order.
func Merge(logs ...[]Line) []Line {
	total := 0
	for _, l := range logs {
		total += len(l)
	}

	merged := make([]Line, 0, total)
	for _, l := range logs {
		merged = append(merged, l...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].Time.Equal(merged[j].Time) {
			return merged[i].Time.Before(merged[j].Time)
		}
		return merged[i].Seq < merged[j].Seq
	})
	return merged
}

// Filter returns the lines satisfying keep, preserving order.
func Filter(lines []Line, keep func(Line) bool) []Line {
	var out []Line
	for _, line := range lines {
		if keep(line) {
			out = append(out, line)
		}
	}
	return out
}

// MaxLineBytes bounds a single captured line; longer lines are split.
const MaxLineBytes = 1 << 20

// Drain reads r line by line into buf until EOF or a read error.
// Lines longer than MaxLineBytes are split rather than failing the drain,
// so the producing process is never left writing into a pipe nobody reads.
func Drain(r io.Reader, stream Stream, buf *Buffer) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	var pending []byte
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if len(chunk) > 0 || (err == nil && !isPrefix) {
			pending = append(pending, chunk...)
		}
		if err != nil {
			if len(pending) > 0 {
				buf.Append(stream, string(pending))
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
		if isPrefix && len(pending) < MaxLineBytes {
			continue
		}
		buf.Append(stream, string(pending))
		pending = pending[:0]
	}
}
