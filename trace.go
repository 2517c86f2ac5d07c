// SPDX-License-Identifier: GPL-3.0-or-later

package icmptun

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// FrameTrace captures the raw IP frames crossing the tunnel in PCAP
// format, so that the decapsulated traffic can be inspected with tools
// such as wireshark. Frames are written synchronously: the reactor and
// its handlers are single-threaded and tunnel throughput is bounded by
// the echo channel, not by trace I/O.
//
// Construct using [NewFrameTrace].
type FrameTrace struct {
	// err is the first write error, reported by Close.
	err error

	// mu serializes writers, should a trace ever be shared.
	mu sync.Mutex

	// snapSize is the number of bytes captured per frame.
	snapSize uint16

	// w writes the PCAP records.
	w *pcapgo.Writer

	// wc is the underlying file, closed by Close.
	wc io.WriteCloser
}

// NewFrameTrace creates a new [*FrameTrace] writing to wc and capturing
// at most snapSize bytes per frame. It writes the PCAP file header
// immediately, using the raw-IP link type.
func NewFrameTrace(wc io.WriteCloser, snapSize uint16) (*FrameTrace, error) {
	w := pcapgo.NewWriter(wc)
	if err := w.WriteFileHeader(uint32(snapSize), layers.LinkTypeRaw); err != nil {
		return nil, err
	}
	return &FrameTrace{
		err:      nil,
		mu:       sync.Mutex{},
		snapSize: snapSize,
		w:        w,
		wc:       wc,
	}, nil
}

// Dump records one raw IP frame. Write failures are sticky and surface
// from Close; a failed trace stops recording but never disrupts
// forwarding.
func (tr *FrameTrace) Dump(frame []byte) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.err != nil {
		return
	}

	captured := min(len(frame), int(tr.snapSize))
	tr.err = tr.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:      time.Now(),
		CaptureLength:  captured,
		Length:         len(frame),
		InterfaceIndex: 0,
		AncillaryData:  nil,
	}, frame[:captured])
}

// Close closes the capture file and returns the first write error
// encountered, if any.
func (tr *FrameTrace) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return errors.Join(tr.err, tr.wc.Close())
}
