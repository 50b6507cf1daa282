package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, id MachineID, net CommNet, onFault func(error)) *Transport {
	t.Helper()
	tr, err := New(&Config{
		MachineID:  id,
		CommNet:    net,
		OnFault:    onFault,
		MetricSink: &metrics.BlackholeSink{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func newPair(t *testing.T) (*Loopback, *Transport, *Transport) {
	t.Helper()
	lb := NewLoopback()
	a := newTestTransport(t, 0, lb, nil)
	b := newTestTransport(t, 1, lb, nil)
	lb.Attach(a)
	lb.Attach(b)
	return lb, a, b
}

func requireViolation(t *testing.T, sentinel error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a violation")
		err, ok := r.(error)
		require.True(t, ok, "panic value must be an error, got %T", r)
		require.ErrorIs(t, err, sentinel)
	}()
	fn()
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func payload(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i + 1)
	}
	return buf
}

func remoteTransfer(t *testing.T, recvFirst bool) []byte {
	lb, a, b := newPair(t)
	src := payload(32)
	dst := make([]byte, 64)
	sent := make(chan struct{})
	recvd := make(chan struct{})

	send := func() { a.Send(7, b.MachineID(), src, func() { close(sent) }) }
	recv := func() { b.Receive(7, a.MachineID(), dst, func() { close(recvd) }) }
	if recvFirst {
		recv()
		send()
	} else {
		send()
		recv()
	}

	waitClosed(t, recvd, "receive callback")
	waitClosed(t, sent, "send callback")

	for _, tr := range []*Transport{a, b} {
		remote, local := tr.Pending()
		assert.Zero(t, remote)
		assert.Zero(t, local)
	}
	assert.Zero(t, lb.Registered(), "source memory must be unregistered after the ack")

	msgs := lb.Sent()
	require.Len(t, msgs, 2)
	assert.Equal(t, MsgKindSend, msgs[0].Kind)
	assert.Equal(t, uint64(32), msgs[0].Size)
	assert.Equal(t, MsgKindAck, msgs[1].Kind)
	return dst
}

func TestTransport_RemoteOrderDoesNotMatter(t *testing.T) {
	recvFirst := remoteTransfer(t, true)
	sendFirst := remoteTransfer(t, false)

	require.Equal(t, recvFirst, sendFirst)
	require.Equal(t, payload(32), recvFirst[:32])
	require.Equal(t, make([]byte, 32), recvFirst[32:], "bytes past the sent size stay untouched")
}

func TestTransport_LocalCopy(t *testing.T) {
	for _, recvFirst := range []bool{true, false} {
		t.Run(fmt.Sprintf("recvFirst=%v", recvFirst), func(t *testing.T) {
			lb := NewLoopback()
			tr := newTestTransport(t, 3, lb, nil)
			lb.Attach(tr)

			src := payload(16)
			dst := make([]byte, 16)
			var sent, recvd bool
			send := func() { tr.Send(11, 3, src, func() { sent = true }) }
			recv := func() { tr.Receive(11, 3, dst, func() { recvd = true }) }

			if recvFirst {
				recv()
				_, local := tr.Pending()
				require.Equal(t, 1, local)
				send()
			} else {
				send()
				recv()
			}

			// the completing call copies and fires both callbacks itself
			require.True(t, sent)
			require.True(t, recvd)
			require.Equal(t, src, dst)
			require.Empty(t, lb.Sent(), "a local transfer must not reach the network")
			require.Zero(t, lb.Registered())
		})
	}
}

func TestTransport_Violations(t *testing.T) {
	t.Run("local token reused", func(t *testing.T) {
		lb := NewLoopback()
		tr := newTestTransport(t, 0, lb, nil)
		tr.Send(1, 0, payload(4), func() {})
		requireViolation(t, ErrTokenReused, func() {
			tr.Send(1, 0, payload(4), func() {})
		})
	})

	t.Run("local overrun", func(t *testing.T) {
		lb := NewLoopback()
		tr := newTestTransport(t, 0, lb, nil)
		tr.Receive(2, 0, make([]byte, 4), func() {})
		requireViolation(t, ErrSizeOverrun, func() {
			tr.Send(2, 0, payload(8), func() {})
		})
	})

	t.Run("remote token reused", func(t *testing.T) {
		_, a, b := newPair(t)
		a.Send(5, b.MachineID(), payload(4), func() {})
		requireViolation(t, ErrTokenReused, func() {
			a.Send(5, b.MachineID(), payload(4), func() {})
		})
	})

	t.Run("remote overrun", func(t *testing.T) {
		_, a, b := newPair(t)
		a.Send(3, b.MachineID(), payload(16), func() {})
		require.Eventually(t, func() bool {
			remote, _ := b.Pending()
			return remote == 1
		}, 2*time.Second, 5*time.Millisecond)

		requireViolation(t, ErrSizeOverrun, func() {
			b.Receive(3, a.MachineID(), make([]byte, 8), func() {})
		})
	})

	t.Run("wrong source", func(t *testing.T) {
		_, a, b := newPair(t)
		a.Send(4, b.MachineID(), payload(4), func() {})
		require.Eventually(t, func() bool {
			remote, _ := b.Pending()
			return remote == 1
		}, 2*time.Second, 5*time.Millisecond)

		requireViolation(t, ErrMachineMismatch, func() {
			b.Receive(4, 9, make([]byte, 4), func() {})
		})
	})
}

type failingReads struct {
	*Loopback
	err error
}

func (f failingReads) Read(_ context.Context, _ MachineID, _ MemHandle, _ []byte, done func(error)) {
	go done(f.err)
}

func TestTransport_ReadFault(t *testing.T) {
	linkDown := errors.New("link down")
	lb := NewLoopback()
	faults := make(chan error, 1)

	a := newTestTransport(t, 0, lb, nil)
	b := newTestTransport(t, 1, failingReads{Loopback: lb, err: linkDown}, func(err error) {
		faults <- err
	})
	lb.Attach(a)
	lb.Attach(b)

	b.Receive(8, 0, make([]byte, 8), func() { t.Error("receive must not complete") })
	a.Send(8, 1, payload(8), func() { t.Error("send must not complete") })

	select {
	case err := <-faults:
		require.ErrorIs(t, err, linkDown)
	case <-time.After(5 * time.Second):
		t.Fatal("fault never reported")
	}
}

func TestTransport_UnknownMachine(t *testing.T) {
	lb := NewLoopback()
	faults := make(chan error, 1)
	tr := newTestTransport(t, 0, lb, func(err error) { faults <- err })
	lb.Attach(tr)

	tr.Send(1, 42, payload(4), func() {})
	require.ErrorIs(t, <-faults, ErrUnknownMachine)

	remote, _ := tr.Pending()
	assert.Zero(t, remote, "an undelivered send must release its token")
	assert.Zero(t, lb.Registered(), "an undelivered send must unregister its memory")

	// the token is free again, reusing it is not a violation
	tr.Send(1, 42, payload(4), func() {})
	require.ErrorIs(t, <-faults, ErrUnknownMachine)
}

func TestTransport_RemoteCallbacksRunOnPoller(t *testing.T) {
	_, a, b := newPair(t)
	const transfers = 16

	var busy atomic.Bool
	var overlaps atomic.Int32
	var wg sync.WaitGroup
	wg.Add(transfers)
	for i := range transfers {
		b.Receive(Token(i), a.MachineID(), make([]byte, 8), func() {
			defer wg.Done()
			if !busy.CompareAndSwap(false, true) {
				overlaps.Add(1)
				return
			}
			time.Sleep(5 * time.Millisecond)
			busy.Store(false)
		})
	}
	for i := range transfers {
		a.Send(Token(i), b.MachineID(), payload(8), func() {})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	waitClosed(t, done, "receive callbacks")
	require.Zero(t, overlaps.Load(), "receive callbacks of one transport must not run concurrently")
}

func TestTransport_Concurrent(t *testing.T) {
	lb := NewLoopback()
	const machines = 3
	trs := make([]*Transport, machines)
	for i := range machines {
		trs[i] = newTestTransport(t, MachineID(i), lb, nil)
		lb.Attach(trs[i])
	}

	const perPair = 20
	var wg sync.WaitGroup
	results := make(map[Token][]byte)
	var resultsLk sync.Mutex

	token := Token(0)
	for src := range machines {
		for dst := range machines {
			for range perPair {
				token++
				tok := token
				data := []byte(fmt.Sprintf("%d->%d #%d", src, dst, tok))
				buf := make([]byte, 64)

				wg.Add(2)
				go func() {
					trs[src].Send(tok, MachineID(dst), data, wg.Done)
				}()
				go func() {
					trs[dst].Receive(tok, MachineID(src), buf, func() {
						resultsLk.Lock()
						results[tok] = buf[:len(data)]
						resultsLk.Unlock()
						wg.Done()
					})
				}()
			}
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	waitClosed(t, done, "every transfer")

	require.Len(t, results, machines*machines*perPair)
	token = 0
	for src := range machines {
		for dst := range machines {
			for range perPair {
				token++
				require.Equal(t, fmt.Sprintf("%d->%d #%d", src, dst, token), string(results[token]))
			}
		}
	}
	require.Zero(t, lb.Registered())
}

func TestTransport_Close(t *testing.T) {
	lb := NewLoopback()
	tr, err := New(&Config{MachineID: 0, CommNet: lb, MetricSink: &metrics.BlackholeSink{}})
	require.NoError(t, err)

	tr.Receive(1, 1, make([]byte, 4), func() {})
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	// must not block once the poller is gone
	for range defaultQueueSize + 1 {
		tr.EnqueueMsg(Msg{Kind: MsgKindSend, Token: 1, SrcMachine: 1, DstMachine: 0})
	}
}

func TestTransport_NewRejects(t *testing.T) {
	_, err := New(&Config{MachineID: 0})
	require.Error(t, err)

	_, err = New(&Config{MachineID: -1, CommNet: NewLoopback()})
	require.ErrorIs(t, err, ErrInvalidMachineID)
}
