// Package tcp implements transport.Backend over loopback TCP: each PE
// listens on 127.0.0.1 and dials every peer once at startup, then
// multiplexes Put/Get/Send over a small length-prefixed frame protocol.
// It exercises a real byte-oriented network stack end to end, unlike
// transport/local's shared-memory shortcut.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	aatomic "github.com/amrt-go/amrt/cmn/atomic"
	"github.com/amrt-go/amrt/cmn/debug"
	"github.com/amrt-go/amrt/transport"
	"github.com/pkg/errors"
)

type frameKind uint8

const (
	framePut frameKind = iota
	frameGet
	frameGetReply
	frameSend
)

// frame: kind(1) | allocID(8) | offset(8) | reqID(8) | payloadLen(4) | payload
type frame struct {
	kind    frameKind
	allocID uint64
	offset  uint64
	reqID   uint64
	payload []byte
}

func writeFrame(w *bufio.Writer, f frame) error {
	var hdr [29]byte
	hdr[0] = byte(f.kind)
	binary.LittleEndian.PutUint64(hdr[1:9], f.allocID)
	binary.LittleEndian.PutUint64(hdr[9:17], f.offset)
	binary.LittleEndian.PutUint64(hdr[17:25], f.reqID)
	binary.LittleEndian.PutUint32(hdr[25:29], uint32(len(f.payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.payload) > 0 {
		if _, err := w.Write(f.payload); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) (frame, error) {
	var hdr [29]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	f := frame{
		kind:    frameKind(hdr[0]),
		allocID: binary.LittleEndian.Uint64(hdr[1:9]),
		offset:  binary.LittleEndian.Uint64(hdr[9:17]),
		reqID:   binary.LittleEndian.Uint64(hdr[17:25]),
	}
	n := binary.LittleEndian.Uint32(hdr[25:29])
	if n > 0 {
		f.payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return frame{}, err
		}
	}
	return f, nil
}

type peerConn struct {
	mu sync.Mutex
	w  *bufio.Writer
	r  *bufio.Reader
	c  net.Conn
}

// symAlloc mirrors transport/local's allocation bookkeeping, but here
// every PE only ever touches its OWN backing slice directly; access to
// a peer's allocation goes over the wire via Put/Get frames.
type symAlloc struct {
	pes []int
	buf []byte
}

// Backend is one PE's TCP endpoint. Build a cluster of these by calling
// Dial once per peer after every peer's listener is up.
type Backend struct {
	myPE    int
	numPEs  int
	peers   []*peerConn // indexed by world PE; peers[myPE] is nil
	inbox   chan transport.Inbound

	mu      sync.Mutex
	allocs  map[uint64]*symAlloc
	nextID  aatomic.Uint64

	getWait sync.Map // reqID -> chan []byte

	ln     net.Listener
	closed aatomic.Bool
}

// Listen opens this PE's loopback listener and returns the backend and
// the address peers must dial, before any peer address is known.
func Listen(myPE, numPEs int) (*Backend, string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", errors.Wrap(err, "tcp: listen")
	}
	b := &Backend{
		myPE:   myPE,
		numPEs: numPEs,
		peers:  make([]*peerConn, numPEs),
		inbox:  make(chan transport.Inbound, 1024),
		allocs: make(map[uint64]*symAlloc),
		ln:     ln,
	}
	go b.acceptLoop()
	return b, ln.Addr().String(), nil
}

func (b *Backend) acceptLoop() {
	for {
		c, err := b.ln.Accept()
		if err != nil {
			return
		}
		go b.serve(c)
	}
}

func (b *Backend) serve(c net.Conn) {
	r := bufio.NewReader(c)
	for {
		f, err := readFrame(r)
		if err != nil {
			return
		}
		switch f.kind {
		case framePut:
			b.mu.Lock()
			sa := b.allocs[f.allocID]
			b.mu.Unlock()
			if sa != nil {
				copy(sa.buf[f.offset:], f.payload)
			}
		case frameGet:
			b.mu.Lock()
			sa := b.allocs[f.allocID]
			b.mu.Unlock()
			var data []byte
			if sa != nil {
				data = sa.buf[f.offset : f.offset+uint64(len(f.payload))]
			}
			reply := frame{kind: frameGetReply, reqID: f.reqID, payload: data}
			w := bufio.NewWriter(c)
			_ = writeFrame(w, reply)
		case frameGetReply:
			if chAny, ok := b.getWait.Load(f.reqID); ok {
				chAny.(chan []byte) <- f.payload
			}
		case frameSend:
			srcPE, _ := b.peerIndexOf(c)
			b.inbox <- transport.Inbound{SrcPE: srcPE, Payload: f.payload}
		}
	}
}

func (b *Backend) peerIndexOf(c net.Conn) (int, bool) {
	for i, p := range b.peers {
		if p != nil && p.c == c {
			return i, true
		}
	}
	return -1, false
}

// Dial connects this backend to a peer at addr, recording it at world
// index peerPE. Call once per peer after every Listen has completed.
func (b *Backend) Dial(peerPE int, addr string) error {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "tcp: dial pe %d", peerPE)
	}
	b.peers[peerPE] = &peerConn{w: bufio.NewWriter(c), r: bufio.NewReader(c), c: c}
	return nil
}

func (b *Backend) MyPE() int         { return b.myPE }
func (b *Backend) NumPEs() int       { return b.numPEs }
func (b *Backend) BackendID() string { return "tcp" }

func (b *Backend) Alloc(size int, kind transport.AllocKind, pes []int) (transport.Addr, error) {
	var participants []int
	switch kind {
	case transport.Global:
		participants = make([]int, b.numPEs)
		for i := range participants {
			participants[i] = i
		}
	case transport.Sub:
		participants = append([]int(nil), pes...)
	case transport.Local:
		participants = []int{b.myPE}
	}
	id := b.nextID.Inc()
	b.mu.Lock()
	b.allocs[id] = &symAlloc{pes: participants, buf: make([]byte, size)}
	b.mu.Unlock()
	return transport.Addr{ID: id, Offset: 0}, nil
}

// AllocAt mirrors Alloc but takes a caller-supplied id instead of
// minting one, so independent per-process PEs that compute the same id
// deterministically (pe.Team.NextAllocID) end up with matching symAlloc
// entries without any wire coordination — each PE's allocation is local
// to its own process either way; only the id need agree.
func (b *Backend) AllocAt(id uint64, size int, kind transport.AllocKind, pes []int) (transport.Addr, error) {
	var participants []int
	switch kind {
	case transport.Global:
		participants = make([]int, b.numPEs)
		for i := range participants {
			participants[i] = i
		}
	case transport.Sub:
		participants = append([]int(nil), pes...)
	case transport.Local:
		participants = []int{b.myPE}
	}
	b.mu.Lock()
	if _, ok := b.allocs[id]; !ok {
		b.allocs[id] = &symAlloc{pes: participants, buf: make([]byte, size)}
	}
	b.mu.Unlock()
	return transport.Addr{ID: id, Offset: 0}, nil
}

func (b *Backend) Free(addr transport.Addr) {
	b.mu.Lock()
	delete(b.allocs, addr.ID)
	b.mu.Unlock()
}

func (b *Backend) LocalAddr(pe int, remote transport.Addr) []byte {
	debug.Assert(pe == b.myPE, "tcp backend: LocalAddr only valid for the owning PE")
	b.mu.Lock()
	sa := b.allocs[remote.ID]
	b.mu.Unlock()
	debug.Assert(sa != nil, "unknown symmetric address")
	return sa.buf[remote.Offset:]
}

func (b *Backend) RemoteAddr(pe int, local []byte) (transport.Addr, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sa := range b.allocs {
		if len(local) > 0 && len(sa.buf) > 0 && &local[0] == &sa.buf[0] {
			return transport.Addr{ID: id, Offset: 0}, true
		}
	}
	return transport.Addr{}, false
}

func (b *Backend) Put(_ context.Context, dstPE int, src []byte, dstAddr transport.Addr) <-chan error {
	ch := make(chan error, 1)
	go func() {
		if dstPE == b.myPE {
			copy(b.LocalAddr(dstPE, dstAddr), src)
			ch <- nil
			close(ch)
			return
		}
		p := b.peers[dstPE]
		p.mu.Lock()
		err := writeFrame(p.w, frame{kind: framePut, allocID: dstAddr.ID, offset: uint64(dstAddr.Offset), payload: src})
		p.mu.Unlock()
		ch <- err
		close(ch)
	}()
	return ch
}

func (b *Backend) IPut(ctx context.Context, dstPE int, src []byte, dstAddr transport.Addr) error {
	return <-b.Put(ctx, dstPE, src, dstAddr)
}

func (b *Backend) PutAll(ctx context.Context, src []byte, dstAddr transport.Addr) <-chan error {
	b.mu.Lock()
	sa := b.allocs[dstAddr.ID]
	b.mu.Unlock()
	ch := make(chan error, 1)
	var wg sync.WaitGroup
	for _, pe := range sa.pes {
		wg.Add(1)
		go func(pe int) {
			defer wg.Done()
			<-b.Put(ctx, pe, src, dstAddr)
		}(pe)
	}
	go func() { wg.Wait(); ch <- nil; close(ch) }()
	return ch
}

func (b *Backend) Get(_ context.Context, srcPE int, srcAddr transport.Addr, dst []byte) <-chan error {
	ch := make(chan error, 1)
	go func() {
		if srcPE == b.myPE {
			copy(dst, b.LocalAddr(srcPE, srcAddr))
			ch <- nil
			close(ch)
			return
		}
		reqID := b.nextID.Inc()
		wait := make(chan []byte, 1)
		b.getWait.Store(reqID, wait)
		defer b.getWait.Delete(reqID)

		p := b.peers[srcPE]
		p.mu.Lock()
		err := writeFrame(p.w, frame{kind: frameGet, allocID: srcAddr.ID, offset: uint64(srcAddr.Offset), reqID: reqID, payload: make([]byte, len(dst))})
		p.mu.Unlock()
		if err != nil {
			ch <- err
			close(ch)
			return
		}
		data := <-wait
		copy(dst, data)
		ch <- nil
		close(ch)
	}()
	return ch
}

func (b *Backend) BootstrapBarrier() {
	// Real TCP bring-up already serialized dial order; nothing further
	// to coordinate here (the runtime barrier is package barrier, C8).
}

func (b *Backend) Send(_ context.Context, dstPE int, payload []byte) error {
	if dstPE == b.myPE {
		b.inbox <- transport.Inbound{SrcPE: b.myPE, Payload: payload}
		return nil
	}
	p := b.peers[dstPE]
	if p == nil {
		return fmt.Errorf("tcp: no connection to pe %d", dstPE)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return writeFrame(p.w, frame{kind: frameSend, payload: payload})
}

func (b *Backend) Recv() <-chan transport.Inbound { return b.inbox }

func (b *Backend) Close() error {
	b.closed.Store(true)
	err := b.ln.Close()
	for _, p := range b.peers {
		if p != nil {
			_ = p.c.Close()
		}
	}
	return err
}

var _ transport.Backend = (*Backend)(nil)
