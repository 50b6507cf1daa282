package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Loopback is a [CommNet] connecting the transports of one process. Every
// message it carries is recorded.
type Loopback struct {
	next atomic.Uint64

	lk    sync.RWMutex
	peers map[MachineID]*Transport
	mem   map[MemHandle][]byte

	sentLk sync.Mutex
	sent   []Msg
}

var _ CommNet = (*Loopback)(nil)

func NewLoopback() *Loopback {
	return &Loopback{
		peers: make(map[MachineID]*Transport),
		mem:   make(map[MemHandle][]byte),
	}
}

// Attach makes t reachable under its machine id.
func (lb *Loopback) Attach(t *Transport) {
	lb.lk.Lock()
	defer lb.lk.Unlock()
	lb.peers[t.MachineID()] = t
}

// Sent returns a copy of the messages carried so far.
func (lb *Loopback) Sent() []Msg {
	lb.sentLk.Lock()
	defer lb.sentLk.Unlock()
	return append([]Msg(nil), lb.sent...)
}

// Registered returns how many memory regions are currently registered.
func (lb *Loopback) Registered() int {
	lb.lk.RLock()
	defer lb.lk.RUnlock()
	return len(lb.mem)
}

func (lb *Loopback) RegisterMemory(buf []byte) MemHandle {
	h := MemHandle(lb.next.Add(1))
	lb.lk.Lock()
	lb.mem[h] = buf
	lb.lk.Unlock()
	return h
}

func (lb *Loopback) UnregisterMemory(h MemHandle) {
	lb.lk.Lock()
	delete(lb.mem, h)
	lb.lk.Unlock()
}

func (lb *Loopback) SendMsg(ctx context.Context, dst MachineID, msg Msg) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lb.lk.RLock()
	peer, ok := lb.peers[dst]
	lb.lk.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownMachine, dst)
	}

	lb.sentLk.Lock()
	lb.sent = append(lb.sent, msg)
	lb.sentLk.Unlock()

	peer.EnqueueMsg(msg)
	return nil
}

func (lb *Loopback) Read(ctx context.Context, src MachineID, h MemHandle, dst []byte, done func(error)) {
	go func() {
		if err := ctx.Err(); err != nil {
			done(err)
			return
		}

		lb.lk.RLock()
		buf, ok := lb.mem[h]
		lb.lk.RUnlock()
		switch {
		case !ok:
			done(fmt.Errorf("%w: %d on machine %d", ErrUnknownMemory, h, src))
		case len(buf) < len(dst):
			done(fmt.Errorf("%w: region %d holds %d bytes, %d requested", ErrSizeOverrun, h, len(buf), len(dst)))
		default:
			copy(dst, buf)
			done(nil)
		}
	}()
}
