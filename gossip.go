package rendezvous

import (
	"log/slog"

	"github.com/hashicorp/memberlist"
	"github.com/raskyld/rendezvous/pkg/telemetry"
)

// gossip keeps the directory in sync with cluster membership.
type gossip struct {
	logger *slog.Logger
	dir    *gossipDirectory
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer joined cluster")
	g.dir.learn(node.Name, node.Meta)
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer left cluster")
	g.dir.forget(node.Name)
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer updated")
	g.dir.learn(node.Name, node.Meta)
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		telemetry.LabelPeerName.L(node.Name),
		telemetry.LabelPeerAddr.L(node.Address()),
	)
}
