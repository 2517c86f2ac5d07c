// SPDX-License-Identifier: GPL-3.0-or-later

package icmptun

// PunchThruWindow is the number of spare echo sequence numbers a client
// keeps donated to the server. Stateful middleboxes only forward an echo
// reply that matches an outstanding request, so the server spends one
// donated sequence number per frame it originates.
const PunchThruWindow = 8

// punchThruRing is a fixed-size FIFO of donated sequence numbers. When
// full, recording overwrites the oldest entry: a stale sequence is less
// likely to still match middlebox state than a fresh one.
type punchThruRing struct {
	// seqs is the ring storage.
	seqs [PunchThruWindow]uint16

	// read is the consume position.
	read int

	// count is the number of stored entries.
	count int
}

// record stores a donated sequence number.
func (pr *punchThruRing) record(seq uint16) {
	if pr.count == PunchThruWindow {
		pr.seqs[pr.read] = seq
		pr.read = (pr.read + 1) % PunchThruWindow
		return
	}
	pr.seqs[(pr.read+pr.count)%PunchThruWindow] = seq
	pr.count++
}

// consume pops the oldest donated sequence number, if any.
func (pr *punchThruRing) consume() (uint16, bool) {
	if pr.count <= 0 {
		return 0, false
	}
	seq := pr.seqs[pr.read]
	pr.read = (pr.read + 1) % PunchThruWindow
	pr.count--
	return seq, true
}

// reset empties the ring.
func (pr *punchThruRing) reset() {
	pr.read = 0
	pr.count = 0
}
