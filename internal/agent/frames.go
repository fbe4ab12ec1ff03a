package agent

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
)

// Stdout frame sentinels. Everything between a START and END line is one
// JSON result record; everything else on stdout is diagnostic.
const (
	frameStart = "---NANOCLAW_OUTPUT_START---"
	frameEnd   = "---NANOCLAW_OUTPUT_END---"
)

// Frame is one streamed agent result record.
type Frame struct {
	Status       string `json:"status"` // success | error
	Result       string `json:"result"`
	NewSessionID string `json:"newSessionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ParseFrames scans r line by line, decoding sentinel-bracketed JSON frames
// and invoking onFrame for each as soon as it completes. Reading past
// maxBytes truncates: later lines are drained but discarded so the child
// never blocks on a full pipe. A single line longer than the cap is also
// truncation, not a run failure. Returns the scanner error, if any.
func ParseFrames(r io.Reader, maxBytes int, onFrame func(Frame)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), lineCap(maxBytes))

	var (
		inFrame   bool
		buf       strings.Builder
		read      int
		truncated bool
	)
	for scanner.Scan() {
		line := scanner.Text()
		read += len(line) + 1
		if maxBytes > 0 && read > maxBytes {
			if !truncated {
				truncated = true
				slog.Warn("agent stdout exceeded cap, truncating", "cap_bytes", maxBytes)
			}
			continue
		}

		switch strings.TrimSpace(line) {
		case frameStart:
			inFrame = true
			buf.Reset()
		case frameEnd:
			if !inFrame {
				continue
			}
			inFrame = false
			var f Frame
			if err := json.Unmarshal([]byte(buf.String()), &f); err != nil {
				slog.Warn("malformed agent output frame", "error", err)
				continue
			}
			onFrame(f)
		default:
			if inFrame {
				buf.WriteString(line)
				buf.WriteString("\n")
			} else if strings.TrimSpace(line) != "" {
				slog.Debug("agent stdout", "line", line)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			slog.Warn("agent stdout line exceeded cap, truncating", "cap_bytes", lineCap(maxBytes))
			io.Copy(io.Discard, r)
			return nil
		}
		return err
	}
	return nil
}

// lineCap bounds one scanner token at the output cap.
func lineCap(maxBytes int) int {
	if maxBytes > 0 {
		return maxBytes
	}
	return 10 << 20
}

// drainCapped copies r to the log up to maxBytes, then discards. Used for
// stderr. Always reads r to EOF so the child never blocks on a full pipe.
func drainCapped(r io.Reader, maxBytes int, tag string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), lineCap(maxBytes))
	read := 0
	truncated := false
	for scanner.Scan() {
		line := scanner.Text()
		read += len(line) + 1
		if maxBytes > 0 && read > maxBytes {
			if !truncated {
				truncated = true
				slog.Warn("agent stderr exceeded cap, truncating", "cap_bytes", maxBytes)
			}
			continue
		}
		if strings.TrimSpace(line) != "" {
			slog.Debug("agent stderr", "tag", tag, "line", line)
		}
	}
	if errors.Is(scanner.Err(), bufio.ErrTooLong) {
		io.Copy(io.Discard, r)
	}
}
