package rendezvous

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/rendezvous/ctrl"
	"github.com/raskyld/rendezvous/transport"
)

type config struct {
	mlCfg        *memberlist.Config
	netCfg       NetworkConfig
	ctrlCfg      ctrl.Config
	trCfg        transport.Config
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	neighbours   []string
	peers        StaticDirectory
	hostname     string
	hostCtrl     bool
	ctrlAddr     string
	loadTimeout  time.Duration
}

// Option to pass to `Create`
type Option func(*config) error

// WithMachineID sets the id other machines use to address transfers to this
// node.
func WithMachineID(id transport.MachineID) Option {
	return func(c *config) error {
		if id < 0 {
			return transport.ErrInvalidMachineID
		}
		c.netCfg.MachineID = id
		c.trCfg.MachineID = id
		return nil
	}
}

// WithListenOn specifies which UDP interface must be used by the node.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.netCfg.BindAddr = addr
		c.netCfg.BindPort = port
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.netCfg.LogHandler = handler
		c.ctrlCfg.LogHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithHostname specifies which hostname should be exposed to other
// peers when joining the cluster. For a well-behaving cluster, the name
// MUST be unique.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		c.hostname = hostname
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.netCfg.MetricLabels = labels
		c.ctrlCfg.MetricLabels = labels
		c.trCfg.MetricLabels = labels

		// TODO(raskyld): Wait for the buildflag to always use the
		// hashicorp version so we don't need to do the translation.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithTlsConfig set the `tls.Config` which should be used by the network.
// It is REALLY important that you use mTLS in production since that's the
// only way to secure your cluster at this time.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.netCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithHintMaxStreams gives an indication of the maximum number of streams a
// peer may open concurrently with us. Every parked coordination call and
// every in-flight transfer holds one.
func WithHintMaxStreams(hint int64) Option {
	return func(c *config) error {
		if hint == 0 {
			hint = 10000
		}
		c.netCfg.HintMaxStreams = hint
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your node.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.netCfg.MetricSink = ms
		c.ctrlCfg.MetricSink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.netCfg.DialTimeout = timeout
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Shutdown for UDP
// buffers to flush.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period == 0 {
			period = 10 * time.Second
		}
		c.netCfg.GracePeriod = period
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to Join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithPeers gives the address of every machine upfront. The node then
// neither gossips nor needs to join a cluster.
func WithPeers(peers map[transport.MachineID]string) Option {
	return func(c *config) error {
		if len(peers) == 0 {
			return fmt.Errorf("no peers given")
		}
		c.peers = StaticDirectory(peers)
		return nil
	}
}

// WithCtrlServer makes this node host the coordination service.
func WithCtrlServer() Option {
	return func(c *config) error {
		c.hostCtrl = true
		return nil
	}
}

// WithCtrlAddr gives the address of the node hosting the coordination
// service. Without it, a node that does not host the service looks for it
// among the cluster members once joined.
func WithCtrlAddr(addr string) Option {
	return func(c *config) error {
		if addr == "" {
			return fmt.Errorf("%w: empty address", ErrInvalidAddr)
		}
		c.ctrlAddr = addr
		return nil
	}
}

// WithEventSink chooses where activity events end up when this node hosts
// the coordination service.
func WithEventSink(sink ctrl.EventSink) Option {
	return func(c *config) error {
		c.ctrlCfg.EventSink = sink
		return nil
	}
}

// WithFaultHandler is called when the network fails to carry a transfer.
// Defaults to a panic.
func WithFaultHandler(fn func(error)) Option {
	return func(c *config) error {
		c.trCfg.OnFault = fn
		return nil
	}
}

// WithLoadTimeout bounds how long we wait for the coordination service to
// acknowledge its address.
func WithLoadTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.loadTimeout = timeout
		return nil
	}
}

// WithPeerIdentity chooses how peers are named from their certificates.
func WithPeerIdentity(identify PeerIdentity) Option {
	return func(c *config) error {
		c.netCfg.PeerIdentity = identify
		return nil
	}
}
