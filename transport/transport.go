package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rendezvous/pkg/telemetry"
)

const defaultQueueSize = 256

// Config of a [Transport].
type Config struct {
	// MachineID of the machine this transport runs on.
	MachineID MachineID

	// CommNet used to reach other machines.
	CommNet CommNet

	// QueueSize is the capacity of the inbound message queue.
	QueueSize int

	// OnFault is called when the CommNet fails to carry a transfer. The
	// transfer can never complete, so the default handler panics.
	OnFault func(error)

	// MetricLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// status tracks one remote transfer on either of its endpoints.
type status struct {
	token      Token
	srcMachine MachineID
	dstMachine MachineID

	sendReady bool
	recvReady bool

	size   uint64
	srcMem MemHandle
	dst    []byte
	onDone func()
}

type side uint8

const (
	sideSend side = iota + 1
	sideRecv
)

// completion is the outcome of a remote read, handled by the poller.
type completion struct {
	st  *status
	err error
}

// localCopy is the half of a same-machine transfer that arrived first.
type localCopy struct {
	side   side
	buf    []byte
	onDone func()
}

// Transport matches sends and receives by token and moves the bytes between
// them. Send, Receive and EnqueueMsg are safe for concurrent use.
type Transport struct {
	cfg     Config
	this    MachineID
	net     CommNet
	logger  *slog.Logger
	msink   metrics.MetricSink
	onFault func(error)

	statusLk sync.Mutex
	statuses map[Token]*status

	localLk sync.Mutex
	local   map[Token]*localCopy

	msgCh  chan Msg
	doneCh chan completion

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// New creates a [Transport] and starts its message poller.
func New(cfg *Config) (*Transport, error) {
	if cfg.CommNet == nil {
		return nil, fmt.Errorf("transport: a CommNet is required")
	}
	if cfg.MachineID < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMachineID, cfg.MachineID)
	}

	t := &Transport{
		cfg:      *cfg,
		this:     cfg.MachineID,
		net:      cfg.CommNet,
		statuses: make(map[Token]*status),
		local:    make(map[Token]*localCopy),
		closeCh:  make(chan struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}
	t.logger = t.logger.With("component", "transport", telemetry.LabelMachine.L(cfg.MachineID))

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.OnFault == nil {
		t.onFault = func(err error) {
			panic(fmt.Errorf("%w: %w", ErrCommNetFault, err))
		}
	} else {
		t.onFault = cfg.OnFault
	}

	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	t.msgCh = make(chan Msg, size)
	t.doneCh = make(chan completion, size)

	t.wg.Add(1)
	go t.poll()
	return t, nil
}

// MachineID returns the machine this transport runs on.
func (t *Transport) MachineID() MachineID {
	return t.this
}

// Send makes src available to the Receive of token on machine dst. It
// returns once the destination was notified; onDone is called once the
// destination consumed src, after which src may be reused.
//
// For a remote dst, onDone runs on the poller goroutine. A local copy
// completes on the goroutine of whichever of Send and Receive comes second.
func (t *Transport) Send(token Token, dst MachineID, src []byte, onDone func()) {
	t.msink.IncrCounterWithLabels(telemetry.MetricTransportSendCount, 1.0, t.pathLabels(dst))
	if dst == t.this {
		t.sendLocal(token, src, onDone)
		return
	}

	t.statusLk.Lock()
	if _, exists := t.statuses[token]; exists {
		t.statusLk.Unlock()
		violation(ErrTokenReused, "send of token %d to machine %d", token, dst)
	}
	st := &status{
		token:      token,
		srcMachine: t.this,
		dstMachine: dst,
		sendReady:  true,
		size:       uint64(len(src)),
		srcMem:     t.net.RegisterMemory(src),
		onDone:     onDone,
	}
	t.statuses[token] = st
	t.statusLk.Unlock()

	t.logger.Debug("send registered", telemetry.LabelToken.L(token), "dst", dst, telemetry.LabelSize.L(len(src)))
	err := t.sendMsg(dst, Msg{
		Kind:       MsgKindSend,
		Token:      token,
		SrcMachine: t.this,
		DstMachine: dst,
		Size:       st.size,
		SrcMem:     st.srcMem,
	})
	if err != nil {
		// the destination never heard of the transfer, release the token
		t.statusLk.Lock()
		owned := t.statuses[token] == st
		if owned {
			delete(t.statuses, token)
		}
		t.statusLk.Unlock()
		if owned {
			t.net.UnregisterMemory(st.srcMem)
		}
		t.onFault(err)
	}
}

// Receive fills dst with the bytes sent for token by machine src. It returns
// immediately; onDone is called once dst holds the data. The sender must not
// send more than len(dst) bytes.
//
// For a remote src, onDone runs on the poller goroutine. A local copy
// completes on the goroutine of whichever of Send and Receive comes second.
func (t *Transport) Receive(token Token, src MachineID, dst []byte, onDone func()) {
	t.msink.IncrCounterWithLabels(telemetry.MetricTransportRecvCount, 1.0, t.pathLabels(src))
	if src == t.this {
		t.recvLocal(token, dst, onDone)
		return
	}

	t.statusLk.Lock()
	st, exists := t.statuses[token]
	if !exists {
		st = &status{
			token:      token,
			srcMachine: src,
			dstMachine: t.this,
		}
		t.statuses[token] = st
	}
	if st.recvReady || st.dstMachine != t.this {
		t.statusLk.Unlock()
		violation(ErrTokenReused, "receive of token %d from machine %d", token, src)
	}
	if st.srcMachine != src {
		t.statusLk.Unlock()
		violation(ErrMachineMismatch, "token %d received from machine %d but sent by machine %d", token, src, st.srcMachine)
	}
	st.recvReady = true
	st.dst = dst
	st.onDone = onDone
	ready := st.sendReady
	if ready && st.size > uint64(len(dst)) {
		t.statusLk.Unlock()
		violation(ErrSizeOverrun, "token %d: %d bytes sent into a %d bytes buffer", token, st.size, len(dst))
	}
	t.statusLk.Unlock()

	if ready {
		t.read(st)
	}
}

// EnqueueMsg hands a message received from another machine to the poller.
// It blocks while the inbound queue is full.
func (t *Transport) EnqueueMsg(msg Msg) {
	select {
	case t.msgCh <- msg:
	case <-t.closeCh:
		t.logger.Warn("dropping message, transport closed", telemetry.LabelMsgKind.L(msg.Kind), telemetry.LabelToken.L(msg.Token))
	}
}

// Pending returns how many remote and local transfers are not complete.
func (t *Transport) Pending() (remote, local int) {
	t.statusLk.Lock()
	remote = len(t.statuses)
	t.statusLk.Unlock()

	t.localLk.Lock()
	local = len(t.local)
	t.localLk.Unlock()

	t.msink.SetGaugeWithLabels(telemetry.MetricTransportPendingTotal, float32(remote+local), t.cfg.MetricLabels)
	return remote, local
}

// Close stops the message poller. Incomplete transfers are abandoned and
// their callbacks never fire.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closeCh)
		t.cancel()
	})
	t.wg.Wait()

	remote, local := t.Pending()
	if remote+local > 0 {
		t.logger.Warn("closed with pending transfers", "remote", remote, "local", local)
	}
	return nil
}

func (t *Transport) poll() {
	defer t.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("transfer protocol violation, aborting", telemetry.LabelError.L(r))
			panic(r)
		}
	}()

	for {
		select {
		case msg := <-t.msgCh:
			t.handleMsg(msg)
		case c := <-t.doneCh:
			t.complete(c)
		case <-t.closeCh:
			return
		}
	}
}

func (t *Transport) handleMsg(msg Msg) {
	t.msink.IncrCounterWithLabels(
		telemetry.MetricTransportMsgInCount,
		1.0,
		telemetry.With(t.cfg.MetricLabels, telemetry.LabelMsgKind.M(msg.Kind.String())),
	)

	switch msg.Kind {
	case MsgKindSend:
		if msg.DstMachine != t.this {
			violation(ErrUnexpectedMsg, "send of token %d for machine %d delivered to machine %d", msg.Token, msg.DstMachine, t.this)
		}
		t.handleSend(msg)
	case MsgKindAck:
		if msg.SrcMachine != t.this {
			violation(ErrUnexpectedMsg, "ack of token %d for machine %d delivered to machine %d", msg.Token, msg.SrcMachine, t.this)
		}
		t.handleAck(msg)
	default:
		violation(ErrUnexpectedMsg, "kind %d", msg.Kind)
	}
}

func (t *Transport) handleSend(msg Msg) {
	t.statusLk.Lock()
	st, exists := t.statuses[msg.Token]
	if !exists {
		st = &status{
			token:      msg.Token,
			srcMachine: msg.SrcMachine,
			dstMachine: t.this,
		}
		t.statuses[msg.Token] = st
	}
	if st.sendReady || st.dstMachine != t.this {
		t.statusLk.Unlock()
		violation(ErrTokenReused, "token %d sent twice, last by machine %d", msg.Token, msg.SrcMachine)
	}
	if st.srcMachine != msg.SrcMachine {
		t.statusLk.Unlock()
		violation(ErrMachineMismatch, "token %d sent by machine %d but expected from machine %d", msg.Token, msg.SrcMachine, st.srcMachine)
	}
	st.sendReady = true
	st.size = msg.Size
	st.srcMem = msg.SrcMem
	ready := st.recvReady
	if ready && st.size > uint64(len(st.dst)) {
		t.statusLk.Unlock()
		violation(ErrSizeOverrun, "token %d: %d bytes sent into a %d bytes buffer", msg.Token, st.size, len(st.dst))
	}
	t.statusLk.Unlock()

	if ready {
		t.read(st)
	}
}

func (t *Transport) handleAck(msg Msg) {
	t.statusLk.Lock()
	st, exists := t.statuses[msg.Token]
	if !exists || st.srcMachine != t.this {
		t.statusLk.Unlock()
		violation(ErrUnknownToken, "ack of token %d from machine %d", msg.Token, msg.DstMachine)
	}
	delete(t.statuses, msg.Token)
	t.statusLk.Unlock()

	t.net.UnregisterMemory(st.srcMem)
	t.logger.Debug("send completed", telemetry.LabelToken.L(st.token), telemetry.LabelSize.L(st.size))
	st.onDone()
}

// read pulls the announced bytes of a matched transfer. Both sides of st are
// ready, so no other goroutine mutates it anymore.
func (t *Transport) read(st *status) {
	buf := st.dst[:st.size]
	t.net.Read(t.ctx, st.srcMachine, st.srcMem, buf, func(err error) {
		select {
		case t.doneCh <- completion{st: st, err: err}:
		case <-t.closeCh:
		}
	})
}

// complete runs on the poller once a read finished.
func (t *Transport) complete(c completion) {
	st := c.st
	if c.err != nil {
		if t.ctx.Err() != nil {
			t.logger.Debug("read abandoned on close", telemetry.LabelToken.L(st.token))
			return
		}
		t.logger.Error("read failed", telemetry.LabelToken.L(st.token), telemetry.LabelError.L(c.err))
		t.onFault(fmt.Errorf("read of token %d from machine %d: %w", st.token, st.srcMachine, c.err))
		return
	}

	t.statusLk.Lock()
	delete(t.statuses, st.token)
	t.statusLk.Unlock()

	t.msink.IncrCounterWithLabels(telemetry.MetricTransportReadBytes, float32(st.size), t.cfg.MetricLabels)
	t.logger.Debug("receive completed", telemetry.LabelToken.L(st.token), telemetry.LabelSize.L(st.size))
	st.onDone()

	// the ack is sent off the poller
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := t.sendMsg(st.srcMachine, Msg{
			Kind:       MsgKindAck,
			Token:      st.token,
			SrcMachine: st.srcMachine,
			DstMachine: t.this,
			Size:       st.size,
		})
		if err != nil {
			t.onFault(err)
		}
	}()
}

// sendMsg returns an error when the CommNet could not deliver msg, unless the
// transport is closing.
func (t *Transport) sendMsg(dst MachineID, msg Msg) error {
	t.msink.IncrCounterWithLabels(
		telemetry.MetricTransportMsgOutCount,
		1.0,
		telemetry.With(t.cfg.MetricLabels, telemetry.LabelMsgKind.M(msg.Kind.String())),
	)
	err := t.net.SendMsg(t.ctx, dst, msg)
	if err == nil {
		return nil
	}
	if t.ctx.Err() != nil {
		t.logger.Debug("message dropped on close", telemetry.LabelMsgKind.L(msg.Kind), telemetry.LabelToken.L(msg.Token))
		return nil
	}
	t.logger.Error("failed to send message", telemetry.LabelMsgKind.L(msg.Kind), telemetry.LabelToken.L(msg.Token), telemetry.LabelError.L(err))
	return fmt.Errorf("%s message of token %d to machine %d: %w", msg.Kind, msg.Token, dst, err)
}

func (t *Transport) sendLocal(token Token, src []byte, onDone func()) {
	t.localLk.Lock()
	peer, exists := t.local[token]
	if !exists {
		t.local[token] = &localCopy{side: sideSend, buf: src, onDone: onDone}
		t.localLk.Unlock()
		return
	}
	if peer.side != sideRecv {
		t.localLk.Unlock()
		violation(ErrTokenReused, "local send of token %d", token)
	}
	if len(src) > len(peer.buf) {
		t.localLk.Unlock()
		violation(ErrSizeOverrun, "token %d: %d bytes sent into a %d bytes buffer", token, len(src), len(peer.buf))
	}
	delete(t.local, token)
	t.localLk.Unlock()

	t.copyLocal(token, peer.buf, src)
	peer.onDone()
	onDone()
}

func (t *Transport) recvLocal(token Token, dst []byte, onDone func()) {
	t.localLk.Lock()
	peer, exists := t.local[token]
	if !exists {
		t.local[token] = &localCopy{side: sideRecv, buf: dst, onDone: onDone}
		t.localLk.Unlock()
		return
	}
	if peer.side != sideSend {
		t.localLk.Unlock()
		violation(ErrTokenReused, "local receive of token %d", token)
	}
	if len(peer.buf) > len(dst) {
		t.localLk.Unlock()
		violation(ErrSizeOverrun, "token %d: %d bytes sent into a %d bytes buffer", token, len(peer.buf), len(dst))
	}
	delete(t.local, token)
	t.localLk.Unlock()

	t.copyLocal(token, dst, peer.buf)
	onDone()
	peer.onDone()
}

func (t *Transport) copyLocal(token Token, dst, src []byte) {
	n := copy(dst, src)
	t.msink.IncrCounterWithLabels(telemetry.MetricTransportLocalBytes, float32(n), t.cfg.MetricLabels)
	t.logger.Debug("local copy", telemetry.LabelToken.L(token), telemetry.LabelSize.L(n))
}

func (t *Transport) pathLabels(peer MachineID) []metrics.Label {
	path := "remote"
	if peer == t.this {
		path = "local"
	}
	return telemetry.With(t.cfg.MetricLabels, metrics.Label{Name: "path", Value: path}, telemetry.LabelMachine.M(strconv.FormatInt(int64(peer), 10)))
}
