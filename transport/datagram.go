// File: transport/datagram.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"net"

	"github.com/momentics/hioload-mem/api"
)

// MaxDatagramSize fits any UDP payload.
const MaxDatagramSize = 64 * 1024

// Datagram adapts a packet-oriented handle (UDP, unixgram).
// Each ReadFromInto receives exactly one datagram.
type Datagram struct {
	pc      net.PacketConn
	maxSize int
}

var _ api.BufferReader = (*Datagram)(nil)

// NewDatagram wraps pc. maxSize <= 0 selects MaxDatagramSize.
func NewDatagram(pc net.PacketConn, maxSize int) *Datagram {
	if maxSize <= 0 {
		maxSize = MaxDatagramSize
	}
	return &Datagram{pc: pc, maxSize: maxSize}
}

// PacketConn returns the underlying handle.
func (d *Datagram) PacketConn() net.PacketConn { return d.pc }

// ReadFromInto receives one datagram into buf and reports its source.
func (d *Datagram) ReadFromInto(buf api.ByteBuffer) (int, net.Addr, error) {
	var from net.Addr
	n, err := readOnce(buf, min(d.maxSize, buf.MaxCapacity()-buf.WriterIndex()), func(p []byte) (int, error) {
		n, addr, err := d.pc.ReadFrom(p)
		from = addr
		return n, err
	})
	return n, from, err
}

// ReadInto implements api.BufferReader, dropping the source address.
func (d *Datagram) ReadInto(buf api.ByteBuffer) (int, error) {
	n, _, err := d.ReadFromInto(buf)
	return n, err
}

// WriteTo sends the readable bytes of buf as one datagram to addr.
func (d *Datagram) WriteTo(buf api.ByteBuffer, addr net.Addr) (int, error) {
	view, err := buf.ReadableView()
	if err != nil {
		return 0, err
	}
	n, err := d.pc.WriteTo(view, addr)
	if err != nil {
		return n, err
	}
	return n, buf.SkipBytes(n)
}

// Close closes the handle.
func (d *Datagram) Close() error {
	return d.pc.Close()
}
