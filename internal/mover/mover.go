// SPDX-License-Identifier: MIT

// Package mover consumes hand-off messages naming closed scratch segments
// and relocates them atomically into archiveDir/YYYY_MM_DD/<cam-id>/.
//
// Grounded almost line for line on original_source/app/file_manager.py's
// FileManager.move: same filename regex, same date/camera directory layout,
// same per-file try/continue error policy so one bad file never halts the
// batch.
package mover

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
)

// filenameRegexp matches "<camId>_YYYY_MM_DD_HH_MM_SS.mp4", per spec.md §4.7.
var filenameRegexp = regexp.MustCompile(`^([^_]+)_(\d{4})_(\d{2})_(\d{2})_(\d{2})_(\d{2})_(\d{2})\.mp4$`)

// Mover relocates completed segments from scratch to the archive.
type Mover struct {
	archiveDir string
	logger     *slog.Logger
	// AfterMove is invoked by Run after each hand-off it processes, whether
	// or not the move succeeded, e.g. to trigger SpaceEnforcer.Ensure(). Nil
	// is a no-op.
	AfterMove func()
}

// New constructs a Mover writing into archiveDir.
func New(archiveDir string, logger *slog.Logger) *Mover {
	return &Mover{archiveDir: archiveDir, logger: logger}
}

// Name identifies the mover to the supervision tree (internal/supervisor.Service).
func (m *Mover) Name() string { return "file-mover" }

// Run drains handoffCh, moving each named file, until the channel is closed
// or done is closed.
func (m *Mover) Run(handoffCh <-chan Handoff, done <-chan struct{}) {
	for {
		select {
		case h, ok := <-handoffCh:
			if !ok {
				return
			}
			m.moveOne(h.ScratchPath)
			if m.AfterMove != nil {
				m.AfterMove()
			}
		case <-done:
			return
		}
	}
}

// moveOne parses and relocates a single file. A parse failure or I/O error
// is logged and does not propagate: spec.md §4.7's error policy requires
// the mover to continue past any single bad file.
func (m *Mover) moveOne(scratchPath string) {
	filename := filepath.Base(scratchPath)
	match := filenameRegexp.FindStringSubmatch(filename)
	if match == nil {
		if m.logger != nil {
			m.logger.Error("mover: filename does not match segment pattern", "path", scratchPath)
		}
		return
	}

	camID, year, month, day := match[1], match[2], match[3], match[4]
	targetDir := filepath.Join(m.archiveDir, fmt.Sprintf("%s_%s_%s", year, month, day), camID)

	if err := os.MkdirAll(targetDir, 0o750); err != nil {
		if m.logger != nil {
			m.logger.Error("mover: creating target directory failed", "dir", targetDir, "error", err)
		}
		return
	}

	targetPath := filepath.Join(targetDir, filename)
	if err := renameAtomic(scratchPath, targetPath); err != nil {
		if m.logger != nil {
			m.logger.Error("mover: move failed", "from", scratchPath, "to", targetPath, "error", err)
		}
		return
	}

	if m.logger != nil {
		m.logger.Info("mover: moved segment", "from", scratchPath, "to", targetPath)
	}
}

// renameAtomic relocates src to dst. spec.md requires scratchDir and
// archiveDir to share a filesystem, so a plain os.Rename is always atomic;
// a cross-device error is reported as an InvariantViolation (spec.md §7) and
// the file is left in place for operator intervention.
func renameAtomic(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("source file missing: %w", err)
		}
		return fmt.Errorf("invariant violation (same-filesystem rename required): %w", err)
	}
	return nil
}

// SweepLeftovers enumerates scratchDir for files matching the segment naming
// pattern and enqueues a hand-off for each, as if the tracker had just
// closed them. This recovers segments orphaned by an unclean prior shutdown
// (spec.md §4.7, "Leftover sweep").
func SweepLeftovers(scratchDir string, handoffCh chan<- Handoff) error {
	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading scratch dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := filenameRegexp.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		handoffCh <- Handoff{CamID: match[1], ScratchPath: filepath.Join(scratchDir, entry.Name())}
	}
	return nil
}
