// SPDX-License-Identifier: MIT

package mover

// Handoff transfers ownership of a closed scratch segment file to the
// FileMover. Ownership transfers on send: the producer must not touch the
// path after publishing it here.
type Handoff struct {
	CamID       string
	ScratchPath string
}
