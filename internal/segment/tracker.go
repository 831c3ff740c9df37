// SPDX-License-Identifier: MIT

// Package segment parses the media tool's stderr, recognizes the "new
// segment opened" event, and emits hand-off messages naming the previously
// completed segment file.
//
// Grounded on the teacher repo's line-oriented stderr scanning style
// (internal/stream/manager.go reads structured events off the child's
// stderr), adapted from FFmpeg audio status lines to the video segment
// muxer's "Opening '...' for writing" log line.
package segment

import (
	"bufio"
	"io"
	"log/slog"
	"regexp"
	"sync"

	"github.com/shifty-eyed/camrecd/internal/logring"
	"github.com/shifty-eyed/camrecd/internal/mover"
)

// openingRegexp matches ffmpeg's segment-muxer log line announcing a new
// segment file, per spec.md §4.3.
var openingRegexp = regexp.MustCompile(`\[segment @ [^\]]+\] Opening '([^']+)' for writing`)

// Tracker scans one camera's child-process stderr for rollover events.
type Tracker struct {
	camID  string
	ring   *logring.Ring
	logger *slog.Logger

	mu      sync.Mutex
	current string
}

// New constructs a Tracker for camID, appending filtered lines to ring.
func New(camID string, ring *logring.Ring, logger *slog.Logger) *Tracker {
	return &Tracker{camID: camID, ring: ring, logger: logger}
}

// Scan reads r line by line until EOF or error, publishing a Handoff to
// handoffCh each time a new segment opens while a previous one was current.
// It returns when r is exhausted (the child's stderr pipe closed). Each
// completed segment is published exactly once, in the order it was closed;
// the final, still-open segment is never published here — that is
// CameraPipeline's teardown responsibility (spec.md §4.3, §4.6).
func (t *Tracker) Scan(r io.Reader, handoffCh chan<- mover.Handoff) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if logring.IsNoise(line) {
			continue
		}
		t.ring.Append(line)

		m := openingRegexp.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		newPath := m[1]

		t.mu.Lock()
		prev := t.current
		t.current = newPath
		t.mu.Unlock()

		if prev != "" && prev != newPath {
			handoffCh <- mover.Handoff{CamID: t.camID, ScratchPath: prev}
		}
	}

	if err := scanner.Err(); err != nil && t.logger != nil {
		t.logger.Warn("segment tracker stderr scan ended", "camera", t.camID, "error", err)
	}
}

// Current returns the path of the still-open segment, or "" if none has
// been observed yet. Used by CameraPipeline teardown to decide whether to
// hand off the final segment.
func (t *Tracker) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}
