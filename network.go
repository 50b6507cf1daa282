package rendezvous

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unique"

	"github.com/hashicorp/go-metrics"
	sockaddr "github.com/hashicorp/go-sockaddr"
	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/rendezvous/ctrl"
	"github.com/raskyld/rendezvous/pkg/frame"
	"github.com/raskyld/rendezvous/pkg/telemetry"
	"github.com/raskyld/rendezvous/transport"
)

const (
	defaultUDPBufferSize int = 1 << 21
	defaultPort              = 6174
	alpnProto                = "rendezvous/1"
)

// NetworkConfig represents configuration for the QUIC network shared by
// gossip, coordination calls and transfers.
type NetworkConfig struct {
	// MachineID of the local machine, announced on every stream we open.
	MachineID transport.MachineID

	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize crashes if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `NetworkConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the network listens.
	BindAddr string
	BindPort int

	// HintMaxStreams gives an indication of how many concurrent streams a
	// peer may open with us.
	HintMaxStreams int64

	// PeerIdentity names peers from their certificates.
	// Defaults to CommonNameIdentity.
	PeerIdentity PeerIdentity

	// Directory resolves machine ids to network addresses.
	Directory Directory

	// MetricsLabels to add to every metrics emitted by the network.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout controls how much time we wait for stream establishment.
	DialTimeout time.Duration

	// GracePeriod is how long Shutdown waits for streams to drain before
	// closing connections.
	GracePeriod time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Network carries every exchange between machines over QUIC. It is the
// memberlist transport of the gossip layer, the [transport.CommNet] of the
// transfer layer and a [ctrl.Caller] towards a remote coordination service.
type Network struct {
	cfg    *NetworkConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	// inbound services
	svcLk   sync.RWMutex
	ctrlSvc ctrl.Caller
	msgSvc  func(transport.Msg)

	// memory exposed to remote readers
	memLk   sync.RWMutex
	mem     map[transport.MemHandle][]byte
	nextMem atomic.Uint64

	addrToHost map[string]unique.Handle[Hostname]
	hostsCxs   map[unique.Handle[Hostname]][]hostCx
	hostsLock  sync.RWMutex

	// Memberlist Protocol
	packetCh chan *memberlist.Packet
	streamCh chan net.Conn

	// QUIC layer
	tr      *quic.Transport
	ln      *quic.Listener
	qconf   *quic.Config
	closeCh chan struct{}
	wg      sync.WaitGroup

	// UDP layer
	udpLn *net.UDPConn
}

var (
	_ memberlist.NodeAwareTransport = (*Network)(nil)
	_ transport.CommNet             = (*Network)(nil)
)

type hostCx struct {
	// closeCh is closed to wake-up stream garbage collectors.
	closeCh chan struct{}
	quic.Connection
}

func NewNetwork(cfg *NetworkConfig) (n *Network, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("%w: a Directory is required", ErrInvalidCfg)
	}

	n = &Network{
		cfg:        cfg,
		mem:        make(map[transport.MemHandle][]byte),
		addrToHost: make(map[string]unique.Handle[Hostname]),
		hostsCxs:   make(map[unique.Handle[Hostname]][]hostCx),
		packetCh:   make(chan *memberlist.Packet),
		streamCh:   make(chan net.Conn),
		closeCh:    make(chan struct{}),
	}

	if cfg.LogHandler == nil {
		n.logger = slog.Default()
	} else {
		n.logger = slog.New(cfg.LogHandler)
	}
	n.logger = n.logger.With("component", "network")

	if cfg.MetricSink == nil {
		n.msink = metrics.Default()
	} else {
		n.msink = cfg.MetricSink
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	defer func() {
		if err != nil {
			n.Shutdown()
		}
	}()

	port := cfg.BindPort
	if port == 0 {
		port = defaultPort
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpAddr := &net.UDPAddr{IP: addr, Port: port}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("network: failed to allocate UDP listener: %w", err)
	}
	n.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := n.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	n.tr = &quic.Transport{
		Conn: udpLn,
	}

	hintStreams := cfg.HintMaxStreams
	if hintStreams == 0 {
		hintStreams = 10000
	}

	n.qconf = &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		EnableDatagrams:       true,
		Allow0RTT:             false,
		MaxIncomingStreams:    hintStreams,
		MaxIncomingUniStreams: hintStreams,
		MaxIdleTimeout:        1 * time.Minute,
		// coordination calls may stay parked for long, keep their
		// connection alive meanwhile.
		KeepAlivePeriod: 15 * time.Second,
	}

	tlsConf := cfg.TlsConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{alpnProto}
	}
	cfg.TlsConfig = tlsConf

	ln, err := n.tr.Listen(tlsConf, n.qconf)
	if err != nil {
		return nil, fmt.Errorf("network: failed to allocate QUIC listener: %w", err)
	}
	n.ln = ln

	n.wg.Add(1)
	go n.acceptCx()
	return n, nil
}

// ServeCtrl makes inbound coordination calls reach svc.
func (n *Network) ServeCtrl(svc ctrl.Caller) {
	n.svcLk.Lock()
	defer n.svcLk.Unlock()
	n.ctrlSvc = svc
}

// ServeMsgs makes inbound transport messages reach fn.
func (n *Network) ServeMsgs(fn func(transport.Msg)) {
	n.svcLk.Lock()
	defer n.svcLk.Unlock()
	n.msgSvc = fn
}

// AdvertiseAddr is the address other machines must use to reach us.
func (n *Network) AdvertiseAddr() (string, error) {
	ip, port, err := n.FinalAdvertiseAddr("", 0)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
}

// FinalAdvertiseAddr always advertises the port we are bound to, memberlist
// has no listener of its own.
func (n *Network) FinalAdvertiseAddr(ip string, _ int) (net.IP, int, error) {
	if n.udpLn == nil {
		return nil, 0, ErrUdpNotAvailable
	}

	local := n.udpLn.LocalAddr().(*net.UDPAddr)
	advertiseAddr := local.IP
	if ip != "" {
		advertiseAddr = net.ParseIP(ip)
		if advertiseAddr == nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrInvalidAddr, ip)
		}
	}

	if advertiseAddr.IsUnspecified() {
		private, err := sockaddr.GetPrivateIP()
		if err != nil {
			return nil, 0, fmt.Errorf("network: failed to find a private IP to advertise: %w", err)
		}
		if private == "" {
			private = "127.0.0.1"
		}
		advertiseAddr = net.ParseIP(private)
	}

	if ip4 := advertiseAddr.To4(); ip4 != nil {
		advertiseAddr = ip4
	}

	return advertiseAddr, local.Port, nil
}

func (n *Network) WriteTo(b []byte, addr string) (time.Time, error) {
	return n.WriteToAddress(b, memberlist.Address{
		Addr: addr,
	})
}

func (n *Network) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.DialTimeout)
	defer cancel()
	conn, err := n.getActiveCx(ctx, addr)
	if err != nil {
		return time.Time{}, err
	}

	ts := time.Now()
	err = conn.SendDatagram(b)
	if err != nil {
		n.msink.IncrCounterWithLabels(
			telemetry.MetricNetStreamOutErrorCount,
			1.0,
			n.peerLabels(addr.Addr, telemetry.LabelError.M("datagram"), telemetry.LabelStreamMode.M("gossip")),
		)
	}
	return ts, err
}

func (n *Network) PacketCh() <-chan *memberlist.Packet {
	return n.packetCh
}

func (n *Network) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return n.DialAddressTimeout(memberlist.Address{
		Addr: addr,
	}, timeout)
}

func (n *Network) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return n.openStream(ctx, addr, StreamModeGossip)
}

func (n *Network) StreamCh() <-chan net.Conn {
	return n.streamCh
}

// RegisterMemory exposes buf to remote readers.
func (n *Network) RegisterMemory(buf []byte) transport.MemHandle {
	h := transport.MemHandle(n.nextMem.Add(1))
	n.memLk.Lock()
	n.mem[h] = buf
	regions := len(n.mem)
	n.memLk.Unlock()

	n.msink.SetGaugeWithLabels(telemetry.MetricNetRegisteredMemory, float32(regions), n.cfg.MetricLabels)
	return h
}

func (n *Network) UnregisterMemory(h transport.MemHandle) {
	n.memLk.Lock()
	delete(n.mem, h)
	regions := len(n.mem)
	n.memLk.Unlock()

	n.msink.SetGaugeWithLabels(telemetry.MetricNetRegisteredMemory, float32(regions), n.cfg.MetricLabels)
}

// SendMsg opens a stream to dst, writes msg and waits for the remote to
// accept it.
func (n *Network) SendMsg(ctx context.Context, dst transport.MachineID, msg transport.Msg) error {
	addr, err := n.cfg.Directory.Addr(dst)
	if err != nil {
		return err
	}

	stream, err := n.openStream(ctx, memberlist.Address{Addr: addr}, StreamModeMsg)
	if err != nil {
		return err
	}
	defer context.AfterFunc(ctx, func() {
		stream.CancelRead(QErrStreamCancelled)
		stream.CancelWrite(QErrStreamCancelled)
	})()

	if err := frame.Write(stream, msg.Marshal()); err != nil {
		stream.CancelRead(QErrStreamCancelled)
		return fmt.Errorf("%w: %w", ErrStreamWrite, streamRejection(err))
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	return expectEOF(stream)
}

// Read copies the beginning of the region h of machine src into dst.
func (n *Network) Read(ctx context.Context, src transport.MachineID, h transport.MemHandle, dst []byte, done func(error)) {
	go func() {
		done(n.read(ctx, src, h, dst))
	}()
}

func (n *Network) read(ctx context.Context, src transport.MachineID, h transport.MemHandle, dst []byte) error {
	addr, err := n.cfg.Directory.Addr(src)
	if err != nil {
		return err
	}

	stream, err := n.openStream(ctx, memberlist.Address{Addr: addr}, StreamModeRead)
	if err != nil {
		return err
	}
	defer context.AfterFunc(ctx, func() {
		stream.CancelRead(QErrStreamCancelled)
		stream.CancelWrite(QErrStreamCancelled)
	})()

	req := readRequest{mem: h, size: uint64(len(dst))}
	if err := frame.Write(stream, req.marshal()); err != nil {
		stream.CancelRead(QErrStreamCancelled)
		return fmt.Errorf("%w: %w", ErrStreamWrite, streamRejection(err))
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	start := time.Now()
	if _, err := io.ReadFull(stream, dst); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrStreamRead, streamRejection(err))
	}
	if err := expectEOF(stream); err != nil {
		return err
	}

	n.logger.Debug(
		"remote read completed",
		telemetry.LabelMachine.L(src),
		telemetry.LabelSize.L(len(dst)),
		telemetry.LabelDuration.L(time.Since(start)),
	)
	return nil
}

// CtrlCaller returns a [ctrl.Caller] reaching the coordination service
// listening on addr.
func (n *Network) CtrlCaller(addr string) ctrl.Caller {
	return &remoteCtrl{n: n, addr: addr}
}

type remoteCtrl struct {
	n    *Network
	addr string
}

func (rc *remoteCtrl) Call(ctx context.Context, req *ctrl.Request) (*ctrl.Response, error) {
	stream, err := rc.n.openStream(ctx, memberlist.Address{Addr: rc.addr}, StreamModeCtrl)
	if err != nil {
		return nil, err
	}

	// cancelling the read side tells the service we stopped waiting
	defer context.AfterFunc(ctx, func() {
		stream.CancelRead(QErrStreamCancelled)
		stream.CancelWrite(QErrStreamCancelled)
	})()

	if err := frame.Write(stream, ctrl.MarshalRequest(req)); err != nil {
		stream.CancelRead(QErrStreamCancelled)
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, streamRejection(err))
	}
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	buf, err := frame.Read(stream)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrStreamRead, streamRejection(err))
	}
	if err := expectEOF(stream); err != nil {
		return nil, err
	}
	return ctrl.UnmarshalResponse(buf)
}

func (n *Network) Shutdown() error {
	if !n.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	close(n.closeCh)

	n.hostsLock.Lock()
	hasCxs := len(n.hostsCxs) > 0
	for _, cxs := range n.hostsCxs {
		for _, cx := range cxs {
			close(cx.closeCh)
		}
	}
	n.hostsLock.Unlock()

	// dumb SO_LINGER like behaviour until it is implemented
	// in go-quic
	if hasCxs {
		grace := n.cfg.GracePeriod
		if grace == 0 {
			grace = 10 * time.Second
		}
		time.Sleep(grace)
	}

	n.hostsLock.Lock()
	for _, cxs := range n.hostsCxs {
		for _, cx := range cxs {
			QErrShutdown.Close(cx.Connection, "we are shutting down! bye!")
		}
	}
	n.hostsLock.Unlock()

	if n.ln != nil {
		n.ln.Close()
	}

	if n.tr != nil {
		n.tr.Close()
	}

	if n.udpLn != nil {
		n.udpLn.Close()
	}
	n.wg.Wait()
	return nil
}

func (n *Network) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := n.udpLn.SetReadBuffer(size); err != nil {
			if n.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			n.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		n.msink.SetGaugeWithLabels(
			telemetry.MetricNetUDPBufferSizeBytes,
			float32(size),
			n.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (n *Network) acceptCx() {
	defer n.wg.Done()
	for {
		conn, err := n.ln.Accept(context.Background())
		if err != nil {
			if !n.gracefulTerm.Load() {
				// NB(raskyld): atm, the implementation only return errors if
				// Close() has been called.
				n.logger.Warn("unexpected QUIC listener closure", telemetry.LabelError.L(err))
			}
			return
		}

		if _, err := n.handleConn(conn); err != nil {
			n.logger.Warn("rejected inbound connection", telemetry.LabelError.L(err))
		}
	}
}

func (n *Network) waitForDatagrams(hcx hostCx) {
	defer n.wg.Done()
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := n.logger.With(telemetry.LabelPeerAddr.L(remoteAddr.String()))

	for {
		buf, err := hcx.ReceiveDatagram(ctx)
		ts := time.Now()
		if n.gracefulTerm.Load() {
			logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("error reading datagram", telemetry.LabelError.L(err))
			continue
		}

		if len(buf) < 1 {
			logger.Error("received a too short datagram", "length", len(buf))
			continue
		}

		select {
		case n.packetCh <- &memberlist.Packet{
			Buf:       buf,
			From:      remoteAddr,
			Timestamp: ts,
		}:
		case <-n.closeCh:
			return
		}
	}
}

func (n *Network) handleStreams(hcx hostCx) {
	defer n.wg.Done()
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := n.logger.With(telemetry.LabelPeerAddr.L(remoteAddr.String()))

	for {
		stream, err := hcx.AcceptStream(ctx)
		if n.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("connection closed", telemetry.LabelError.L(context.Cause(ctx)))
				return
			}
			logger.Warn("error accepting stream", telemetry.LabelError.L(err))
			n.msink.IncrCounterWithLabels(
				telemetry.MetricNetStreamInErrorCount,
				1.0,
				n.peerLabels(remoteAddr.String(), telemetry.LabelError.M("unknown")),
			)
			continue
		}

		swrap := &streamWrapper{
			localAddr:  hcx.LocalAddr(),
			remoteAddr: remoteAddr,
			Stream:     stream,
		}

		// When a connection should be closed, it will first
		// close its `closeCh` channel and wait for its streams
		// to finish draining their buffers.
		go swrap.garbageCollector(hcx.closeCh)

		n.wg.Add(1)
		go n.serveStream(logger.With(telemetry.LabelStreamID.L(stream.StreamID())), swrap)
	}
}

func (n *Network) serveStream(logger *slog.Logger, swrap *streamWrapper) {
	defer n.wg.Done()
	peer := swrap.RemoteAddr().String()

	hdr, err := readInitFrame(swrap)
	if err == nil && hdr.mode == StreamModeUnspecified {
		err = fmt.Errorf("%w: unknown mode", ErrProtocolViolation)
	}
	if err != nil {
		logger.Warn("protocol violation: bad init frame", telemetry.LabelError.L(err))
		n.reject(swrap, QErrStreamProtocolViolation, peer, "protocol_violation")
		return
	}

	mode := hdr.mode.String()
	logger = logger.With(telemetry.LabelStreamMode.L(mode), telemetry.LabelMachine.L(hdr.machine))
	n.msink.IncrCounterWithLabels(
		telemetry.MetricNetStreamInCount,
		1.0,
		n.peerLabels(peer, telemetry.LabelStreamMode.M(mode)),
	)

	switch hdr.mode {
	case StreamModeGossip:
		select {
		case n.streamCh <- swrap:
		case <-n.closeCh:
			n.reject(swrap, QErrStreamUnavailable, peer, "shutdown")
		}
	case StreamModeCtrl:
		n.serveCtrl(logger, swrap)
	case StreamModeMsg:
		n.serveMsg(logger, swrap)
	case StreamModeRead:
		n.serveRead(logger, swrap)
	default:
		logger.Warn("protocol violation: unknown mode")
		n.reject(swrap, QErrStreamProtocolViolation, peer, "protocol_violation")
	}
}

func (n *Network) serveCtrl(logger *slog.Logger, swrap *streamWrapper) {
	peer := swrap.RemoteAddr().String()
	buf, err := frame.Read(swrap)
	if err == nil {
		err = expectEOF(swrap)
	}
	if err != nil {
		logger.Warn("failed to read coordination call", telemetry.LabelError.L(err))
		n.reject(swrap, QErrStreamProtocolViolation, peer, "protocol_violation")
		return
	}

	req, err := ctrl.UnmarshalRequest(buf)
	if err != nil {
		logger.Warn("protocol violation: malformed coordination call", telemetry.LabelError.L(err))
		n.reject(swrap, QErrStreamProtocolViolation, peer, "protocol_violation")
		return
	}

	n.svcLk.RLock()
	svc := n.ctrlSvc
	n.svcLk.RUnlock()
	if svc == nil {
		logger.Warn("received a coordination call but we do not host the service")
		n.reject(swrap, QErrStreamUnavailable, peer, "no_ctrl_service")
		return
	}

	// the stream context is cancelled once the caller stops waiting
	resp, err := svc.Call(swrap.Context(), req)
	if err != nil {
		logger.Debug("coordination call failed", telemetry.LabelMethod.L(req.Method.String()), telemetry.LabelError.L(err))
		n.reject(swrap, QErrStreamCtrlFailed, peer, "ctrl_failed")
		return
	}

	if err := frame.Write(swrap, ctrl.MarshalResponse(resp)); err != nil {
		logger.Debug("failed to answer coordination call", telemetry.LabelError.L(err))
		return
	}
	swrap.Close()
}

func (n *Network) serveMsg(logger *slog.Logger, swrap *streamWrapper) {
	peer := swrap.RemoteAddr().String()
	buf, err := frame.Read(swrap)
	if err == nil {
		err = expectEOF(swrap)
	}
	if err != nil {
		logger.Warn("failed to read transport message", telemetry.LabelError.L(err))
		n.reject(swrap, QErrStreamProtocolViolation, peer, "protocol_violation")
		return
	}

	msg, err := transport.UnmarshalMsg(buf)
	if err != nil {
		logger.Warn("protocol violation: malformed transport message", telemetry.LabelError.L(err))
		n.reject(swrap, QErrStreamProtocolViolation, peer, "protocol_violation")
		return
	}

	n.svcLk.RLock()
	svc := n.msgSvc
	n.svcLk.RUnlock()
	if svc == nil {
		logger.Warn("received a transport message but no transport is attached")
		n.reject(swrap, QErrStreamUnavailable, peer, "no_transport")
		return
	}

	svc(msg)
	swrap.Close()
}

func (n *Network) serveRead(logger *slog.Logger, swrap *streamWrapper) {
	peer := swrap.RemoteAddr().String()
	buf, err := frame.ReadLimit(swrap, maxInitFrameSize)
	if err == nil {
		err = expectEOF(swrap)
	}
	if err != nil {
		logger.Warn("failed to read read request", telemetry.LabelError.L(err))
		n.reject(swrap, QErrStreamProtocolViolation, peer, "protocol_violation")
		return
	}

	req, err := unmarshalReadRequest(buf)
	if err != nil {
		logger.Warn("protocol violation: malformed read request", telemetry.LabelError.L(err))
		n.reject(swrap, QErrStreamProtocolViolation, peer, "protocol_violation")
		return
	}

	n.memLk.RLock()
	region, ok := n.mem[req.mem]
	n.memLk.RUnlock()
	if !ok {
		logger.Warn("read of an unknown memory region", "mem", req.mem)
		n.reject(swrap, QErrStreamUnknownMemory, peer, "unknown_memory")
		return
	}
	if req.size > uint64(len(region)) {
		logger.Warn("read past the end of a memory region", "mem", req.mem, telemetry.LabelSize.L(req.size), "region", len(region))
		n.reject(swrap, QErrStreamProtocolViolation, peer, "protocol_violation")
		return
	}

	written, err := swrap.Write(region[:req.size])
	n.msink.IncrCounterWithLabels(telemetry.MetricNetReadOutBytes, float32(written), n.peerLabels(peer))
	if err != nil {
		logger.Debug("failed to serve read", telemetry.LabelError.L(err))
		return
	}
	swrap.Close()
}

func (n *Network) reject(swrap *streamWrapper, code quic.StreamErrorCode, peer, reason string) {
	swrap.CancelRead(code)
	swrap.CancelWrite(code)
	n.msink.IncrCounterWithLabels(
		telemetry.MetricNetStreamInErrorCount,
		1.0,
		n.peerLabels(peer, telemetry.LabelError.M(reason)),
	)
}

func (n *Network) openStream(ctx context.Context, addr memberlist.Address, mode StreamMode) (*streamWrapper, error) {
	mLabels := n.peerLabels(addr.Addr, telemetry.LabelStreamMode.M(mode.String()))
	hcx, err := n.getActiveCx(ctx, addr)
	if err != nil {
		n.msink.IncrCounterWithLabels(
			telemetry.MetricNetStreamOutErrorCount,
			1.0,
			telemetry.With(mLabels, telemetry.LabelError.M("no_conn_to_host")),
		)
		return nil, err
	}

	stream, err := hcx.OpenStreamSync(ctx)
	if err != nil {
		n.msink.IncrCounterWithLabels(
			telemetry.MetricNetStreamOutErrorCount,
			1.0,
			telemetry.With(mLabels, telemetry.LabelError.M("cannot_open_stream")),
		)
		return nil, err
	}

	swrap := &streamWrapper{
		localAddr:  hcx.LocalAddr(),
		remoteAddr: hcx.RemoteAddr(),
		Stream:     stream,
	}
	go swrap.garbageCollector(hcx.closeCh)

	hdr := initFrame{mode: mode, machine: n.cfg.MachineID}
	if err := frame.Write(stream, hdr.marshal()); err != nil {
		n.msink.IncrCounterWithLabels(
			telemetry.MetricNetStreamOutErrorCount,
			1.0,
			telemetry.With(mLabels, telemetry.LabelError.M("cannot_send_init_frame")),
		)
		stream.CancelRead(QErrStreamCancelled)
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	n.msink.IncrCounterWithLabels(telemetry.MetricNetStreamOutCount, 1.0, mLabels)
	return swrap, nil
}

func (n *Network) getActiveCx(
	ctx context.Context,
	target memberlist.Address,
) (hostCx, error) {
	if n.gracefulTerm.Load() {
		return hostCx{}, ErrShutdown
	}

	udpAddr, err := net.ResolveUDPAddr("udp", target.Addr)
	if err != nil {
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	n.hostsLock.RLock()
	// memberlist names may differ from certificate names, fall back on
	// the address
	if target.Name != "" {
		if cx, hasCx := n.firstActiveCx(unique.Make(Hostname(target.Name))); hasCx {
			n.hostsLock.RUnlock()
			return cx, nil
		}
	}
	if resolved, ok := n.addrToHost[udpAddr.String()]; ok {
		if cx, hasCx := n.firstActiveCx(resolved); hasCx {
			n.hostsLock.RUnlock()
			return cx, nil
		}
	}
	n.hostsLock.RUnlock()
	return n.dial(ctx, udpAddr)
}

func (n *Network) dial(ctx context.Context, addr *net.UDPAddr) (hostCx, error) {
	cx, err := n.tr.Dial(ctx, addr, n.cfg.TlsConfig, n.qconf)
	if n.gracefulTerm.Load() {
		if err == nil {
			QErrShutdown.Close(cx, "we are shutting down! bye!")
		}
		return hostCx{}, ErrShutdown
	}
	if err != nil {
		n.msink.IncrCounterWithLabels(
			telemetry.MetricNetConnErrorCount,
			1.0,
			n.peerLabels(addr.String(), telemetry.LabelError.M("dial")),
		)
		return hostCx{}, err
	}

	return n.handleConn(cx)
}

// not thread safe!
// must be called by an holder of Write lock
func (n *Network) garbageCollectCxs(dest unique.Handle[Hostname]) []hostCx {
	cxs, hasCxs := n.hostsCxs[dest]
	if !hasCxs {
		return nil
	}

	cleanedUpList := make([]hostCx, 0, len(cxs))
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			cleanedUpList = append(cleanedUpList, cx)
		}
	}

	if len(cleanedUpList) == 0 {
		delete(n.hostsCxs, dest)
		return nil
	}
	n.hostsCxs[dest] = cleanedUpList
	return cleanedUpList
}

// not thread safe!
// must be called by an holder of Read lock
func (n *Network) firstActiveCx(dest unique.Handle[Hostname]) (hostCx, bool) {
	for _, cx := range n.hostsCxs[dest] {
		if cx.Context().Err() == nil {
			return cx, true
		}
	}
	return hostCx{}, false
}

func (n *Network) handleConn(conn quic.Connection) (hostCx, error) {
	peer := conn.RemoteAddr().String()
	logger := n.logger.With(telemetry.LabelPeerAddr.L(peer))
	identify := n.cfg.PeerIdentity
	if identify == nil {
		identify = CommonNameIdentity
	}

	rsvHostname, err := identify(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve hostname", telemetry.LabelError.L(err))
		n.msink.IncrCounterWithLabels(
			telemetry.MetricNetConnErrorCount,
			1.0,
			n.peerLabels(peer, telemetry.LabelError.M("name_resolution")),
		)
		QErrInternal.Close(conn, err.Error())
		return hostCx{}, err
	}

	host := Host{Name: unique.Make(rsvHostname), Addr: peer}
	n.hostsLock.Lock()
	if n.gracefulTerm.Load() {
		n.hostsLock.Unlock()
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return hostCx{}, ErrShutdown
	}

	currentHostname, ok := n.addrToHost[peer]
	if ok && currentHostname != host.Name {
		logger.Warn("a peer changed its name, updating", "old", currentHostname.Value(), "new", rsvHostname)
		if cxs, hasConnections := n.hostsCxs[currentHostname]; hasConnections {
			delete(n.hostsCxs, currentHostname)
			n.hostsCxs[host.Name] = append(n.hostsCxs[host.Name], cxs...)
		}
	} else if !ok {
		logger.Info("new peer discovered", telemetry.LabelPeerName.L(&host))
	}
	n.addrToHost[peer] = host.Name

	hcx := hostCx{
		closeCh:    make(chan struct{}),
		Connection: conn,
	}
	gcHost := n.garbageCollectCxs(host.Name)
	n.hostsCxs[host.Name] = append(gcHost, hcx)
	n.wg.Add(2)
	n.hostsLock.Unlock()

	n.msink.IncrCounterWithLabels(
		telemetry.MetricNetConnEstCount,
		1.0,
		n.peerLabels(peer, telemetry.LabelPeerName.M(string(rsvHostname))),
	)

	// NB: it's ok to pass by value, the struct is just two cheap pointers.
	go n.waitForDatagrams(hcx)
	go n.handleStreams(hcx)
	return hcx, nil
}

func (n *Network) peerLabels(addr string, extra ...metrics.Label) []metrics.Label {
	return telemetry.With(n.cfg.MetricLabels, append([]metrics.Label{telemetry.LabelPeerAddr.M(addr)}, extra...)...)
}

// expectEOF consumes the end of a stream the remote must have finished.
func expectEOF(r io.Reader) error {
	trailing, err := io.ReadAll(io.LimitReader(r, 1))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStreamRead, streamRejection(err))
	}
	if len(trailing) > 0 {
		return fmt.Errorf("%w: trailing bytes on stream", ErrProtocolViolation)
	}
	return nil
}
