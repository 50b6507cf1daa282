// Package telemetry holds the metric keys and the structured logging labels
// shared by every rendezvous component.
package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricCtrlCallCount counts calls processed by the coordination service.
	MetricCtrlCallCount     = []string{"rendezvous", "ctrl", "call", "count"}
	MetricCtrlDeferredCount = []string{"rendezvous", "ctrl", "call", "deferred", "count"}
	MetricCtrlReleasedCount = []string{"rendezvous", "ctrl", "call", "released", "count"}
	MetricCtrlParkedCalls   = []string{"rendezvous", "ctrl", "parked", "calls"}
	MetricCtrlEventCount    = []string{"rendezvous", "ctrl", "event", "count"}

	MetricTransportSendCount    = []string{"rendezvous", "transport", "send", "count"}
	MetricTransportRecvCount    = []string{"rendezvous", "transport", "recv", "count"}
	MetricTransportLocalBytes   = []string{"rendezvous", "transport", "local", "bytes"}
	MetricTransportReadBytes    = []string{"rendezvous", "transport", "read", "bytes"}
	MetricTransportMsgInCount   = []string{"rendezvous", "transport", "msg", "in", "count"}
	MetricTransportMsgOutCount  = []string{"rendezvous", "transport", "msg", "out", "count"}
	MetricTransportPendingTotal = []string{"rendezvous", "transport", "pending", "tokens"}

	MetricNetStreamInCount       = []string{"rendezvous", "net", "stream", "in", "count"}
	MetricNetStreamInErrorCount  = []string{"rendezvous", "net", "stream", "in", "error", "count"}
	MetricNetStreamOutCount      = []string{"rendezvous", "net", "stream", "out", "count"}
	MetricNetStreamOutErrorCount = []string{"rendezvous", "net", "stream", "out", "error", "count"}
	MetricNetUDPBufferSizeBytes  = []string{"rendezvous", "net", "udp", "buffer", "size", "bytes"}
	MetricNetConnErrorCount      = []string{"rendezvous", "net", "connection", "error", "count"}
	MetricNetConnEstCount        = []string{"rendezvous", "net", "connection", "established", "count"}
	MetricNetReadOutBytes        = []string{"rendezvous", "net", "read", "out", "bytes"}
	MetricNetRegisteredMemory    = []string{"rendezvous", "net", "registered", "memory", "regions"}
)

type Label string

var (
	LabelError      Label = "error"
	LabelMethod     Label = "method"
	LabelName       Label = "name"
	LabelToken      Label = "token"
	LabelMachine    Label = "machine"
	LabelPeerAddr   Label = "peer_addr"
	LabelPeerName   Label = "peer_name"
	LabelStreamMode Label = "stream_mode"
	LabelStreamID   Label = "stream_id"
	LabelMsgKind    Label = "msg_kind"
	LabelSize       Label = "size"
	LabelDuration   Label = "duration"
)

// M makes a metric label.
func (lab Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// L makes a structured logging attribute.
func (lab Label) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// With returns a copy of base with extra appended, never aliasing base.
func With(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}
