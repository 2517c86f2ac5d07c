// SPDX-License-Identifier: GPL-3.0-or-later

package icmptun

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPunchThruRingFIFO(t *testing.T) {
	ring := &punchThruRing{}

	_, ok := ring.consume()
	require.False(t, ok)

	ring.record(10)
	ring.record(11)
	ring.record(12)

	for want := uint16(10); want <= 12; want++ {
		seq, ok := ring.consume()
		require.True(t, ok)
		assert.Equal(t, want, seq)
	}
	_, ok = ring.consume()
	require.False(t, ok)
}

func TestPunchThruRingOverwritesOldest(t *testing.T) {
	ring := &punchThruRing{}
	for seq := uint16(0); seq < PunchThruWindow+3; seq++ {
		ring.record(seq)
	}

	// the three oldest entries are gone
	seq, ok := ring.consume()
	require.True(t, ok)
	assert.Equal(t, uint16(3), seq)
}

func TestPunchThruRingReset(t *testing.T) {
	ring := &punchThruRing{}
	ring.record(1)
	ring.record(2)
	ring.reset()
	_, ok := ring.consume()
	require.False(t, ok)
}

func TestPunchThruRingWrapAround(t *testing.T) {
	ring := &punchThruRing{}

	// interleave records and consumes past the physical end of the ring
	next := uint16(0)
	for i := 0; i < 3*PunchThruWindow; i++ {
		ring.record(uint16(i))
		seq, ok := ring.consume()
		require.True(t, ok)
		assert.Equal(t, next, seq)
		next++
	}
}
