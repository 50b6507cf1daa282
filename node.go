package rendezvous

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/rendezvous/ctrl"
	"github.com/raskyld/rendezvous/pkg/telemetry"
	"github.com/raskyld/rendezvous/transport"
)

// Node is one machine of a job. It exposes a client of the coordination
// service and the transfer layer, both running over one QUIC network.
type Node struct {
	config config
	logger *slog.Logger

	// gossip, nil when peers are static
	dir *gossipDirectory
	ml  *memberlist.Memberlist

	net    *Network
	addr   string
	srv    *ctrl.Server
	client *ctrl.Client
	tr     *transport.Transport

	// synchronisation
	lk       sync.Mutex
	ctrlAddr string
	loaded   bool

	// 2-phase close:
	// phase 1: shutdown notification, stop transfers and leave.
	// phase 2: drop, all resources are freed.
	shutdown bool
}

func Create(opts ...Option) (nd *Node, err error) {
	nd = &Node{}

	nd.config.mlCfg = memberlist.DefaultLANConfig()
	nd.config.mlCfg.ProbeTimeout = 2 * time.Second
	nd.config.loadTimeout = 30 * time.Second

	for _, opt := range opts {
		err := opt(&nd.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if !nd.config.hostCtrl && nd.config.ctrlAddr == "" && nd.config.peers != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, ErrNoCtrl)
	}

	machine := nd.config.netCfg.MachineID
	if nd.config.hostname == "" {
		nd.config.hostname = fmt.Sprintf("machine-%d", machine)
	}
	nd.config.mlCfg.Name = nd.config.hostname

	// Logging implementations.
	if nd.config.logHandler != nil {
		nd.logger = slog.New(nd.config.logHandler)
	} else {
		nd.logger = slog.Default()
	}
	nd.logger = nd.logger.With(telemetry.LabelMachine.L(machine))
	nd.config.mlCfg.LogOutput = nil
	nd.config.mlCfg.Logger = slog.NewLogLogger(nd.logger.Handler(), slog.LevelDebug)

	// Metrics implementations.
	if nd.config.msink == nil {
		nd.config.msink = metrics.Default()
		nd.config.netCfg.MetricSink = nd.config.msink
		nd.config.ctrlCfg.MetricSink = nd.config.msink
		nd.config.trCfg.MetricSink = nd.config.msink
	}

	defer func() {
		if err != nil {
			nd.Shutdown()
		}
	}()

	if nd.config.peers != nil {
		nd.config.netCfg.Directory = nd.config.peers
	} else {
		nd.dir = newGossipDirectory(nd.logger)
		nd.config.netCfg.Directory = nd.dir
	}

	network, err := NewNetwork(&nd.config.netCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	nd.net = network

	nd.addr, err = network.AdvertiseAddr()
	if err != nil {
		return nil, err
	}
	if nd.config.peers != nil {
		if static, err := nd.config.peers.Addr(machine); err != nil || static != nd.addr {
			nd.logger.Warn("our address differs from the one peers know", "advertised", nd.addr, "static", static)
		}
	}

	// Coordination service.
	var caller ctrl.Caller
	switch {
	case nd.config.hostCtrl:
		nd.srv = ctrl.NewServer(&nd.config.ctrlCfg)
		network.ServeCtrl(nd.srv)
		caller = nd.srv
		nd.ctrlAddr = nd.config.ctrlAddr
		if nd.ctrlAddr == "" {
			nd.ctrlAddr = nd.addr
		}
	case nd.config.ctrlAddr != "":
		caller = network.CtrlCaller(nd.config.ctrlAddr)
		nd.ctrlAddr = nd.config.ctrlAddr
	default:
		caller = &discoveredCtrl{nd: nd}
	}
	nd.client = ctrl.NewClient(caller)

	// Transfers.
	nd.config.trCfg.CommNet = network
	tr, err := transport.New(&nd.config.trCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	nd.tr = tr
	network.ServeMsgs(tr.EnqueueMsg)

	// Gossip over our own network.
	if nd.dir != nil {
		nd.dir.setLocal(memberMeta{machine: machine, addr: nd.addr, ctrl: nd.config.hostCtrl})
		nd.config.mlCfg.Transport = network
		nd.config.mlCfg.Delegate = nd.dir
		nd.config.mlCfg.Events = &gossip{logger: nd.logger, dir: nd.dir}

		ml, err := memberlist.Create(nd.config.mlCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		nd.ml = ml
	}

	if nd.ctrlAddr != "" {
		if err := nd.loadServer(nd.ctrlAddr); err != nil {
			return nil, err
		}
	}

	nd.logger.Info("node created", "addr", nd.addr, "ctrl", nd.ctrlAddr)
	return nd, nil
}

// JoinCluster contacts the neighbours and, when the address of the
// coordination service was not given, finds it among the members.
func (nd *Node) JoinCluster() error {
	nd.lk.Lock()
	if nd.shutdown {
		nd.lk.Unlock()
		return ErrNodeClosed
	}
	nd.lk.Unlock()

	if nd.ml != nil && len(nd.config.neighbours) > 0 {
		joined, err := nd.ml.Join(nd.config.neighbours)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrJoinCluster, err)
		}
		nd.logger.Info("cluster joined")
		if len(nd.config.neighbours) != joined {
			nd.logger.Warn(
				"not all neighbours are reachable",
				"joined", joined,
				"expected", len(nd.config.neighbours),
			)
		}
	}

	nd.lk.Lock()
	addr, loaded := nd.ctrlAddr, nd.loaded
	nd.lk.Unlock()
	if loaded {
		return nil
	}
	if addr == "" {
		if nd.dir == nil {
			return ErrNoCtrl
		}
		found, ok := nd.dir.ctrlAddr()
		if !ok {
			return fmt.Errorf("%w: no member hosts the coordination service", ErrJoinCluster)
		}
		nd.lk.Lock()
		nd.ctrlAddr = found
		nd.lk.Unlock()
		addr = found
	}
	return nd.loadServer(addr)
}

func (nd *Node) loadServer(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), nd.config.loadTimeout)
	defer cancel()
	if err := nd.client.LoadServer(ctx, addr); err != nil {
		return fmt.Errorf("node: coordination service at %s: %w", addr, err)
	}

	nd.lk.Lock()
	nd.loaded = true
	nd.lk.Unlock()
	return nil
}

// Ctrl is a client of the coordination service of the job.
func (nd *Node) Ctrl() *ctrl.Client {
	return nd.client
}

// Transport moves bytes between this machine and the others.
func (nd *Node) Transport() *transport.Transport {
	return nd.tr
}

func (nd *Node) MachineID() transport.MachineID {
	return nd.config.netCfg.MachineID
}

// Addr is the address this node advertises.
func (nd *Node) Addr() string {
	return nd.addr
}

// Topology lists the cluster members, it is empty when peers are static.
func (nd *Node) Topology() []*memberlist.Node {
	if nd.ml == nil {
		return nil
	}
	return nd.ml.Members()
}

func (nd *Node) Shutdown() error {
	// Phase 1: Shutdown notify.
	nd.lk.Lock()
	if nd.shutdown {
		nd.lk.Unlock()
		return nil
	}
	nd.shutdown = true
	nd.lk.Unlock()

	start := time.Now()
	nd.logger.Info("shutting down...")
	var result *multierror.Error

	if nd.tr != nil {
		nd.logger.Info("shutdown: stop transfers")
		result = multierror.Append(result, nd.tr.Close())
	}

	if nd.srv != nil {
		nd.logger.Info("shutdown: stop coordination service")
		result = multierror.Append(result, nd.srv.Close())
	}

	if nd.ml != nil {
		nd.logger.Info("shutdown: leave cluster")
		// members leaving together may mark each other dead before the
		// broadcast goes out, the others will notice through probes.
		if err := nd.ml.Leave(5 * time.Second); err != nil {
			nd.logger.Warn("shutdown: leave was not acknowledged", telemetry.LabelError.L(err))
		}
	}

	// Phase 2: Drop all resources.
	if nd.ml != nil {
		nd.logger.Info("shutdown: release gossip resources")
		result = multierror.Append(result, nd.ml.Shutdown())
	}
	if nd.net != nil {
		nd.logger.Info("shutdown: release network resources")
		result = multierror.Append(result, nd.net.Shutdown())
	}

	nd.logger.Info("shutdown: completed", telemetry.LabelDuration.L(time.Since(start)))
	return result.ErrorOrNil()
}

// discoveredCtrl reaches the coordination service found among the cluster
// members by JoinCluster.
type discoveredCtrl struct {
	nd *Node
}

func (dc *discoveredCtrl) Call(ctx context.Context, req *ctrl.Request) (*ctrl.Response, error) {
	dc.nd.lk.Lock()
	addr := dc.nd.ctrlAddr
	dc.nd.lk.Unlock()
	if addr == "" {
		return nil, ErrNoCtrl
	}
	return dc.nd.net.CtrlCaller(addr).Call(ctx, req)
}
