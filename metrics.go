package skein

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricSkeinMsgOutCount       = []string{"skein", "msg", "out", "count"}
	MetricSkeinMsgOutBytes       = []string{"skein", "msg", "out", "bytes"}
	MetricSkeinMsgOutErrorCount  = []string{"skein", "msg", "out", "error", "count"}
	MetricSkeinMsgInCount        = []string{"skein", "msg", "in", "count"}
	MetricSkeinMsgInBytes        = []string{"skein", "msg", "in", "bytes"}
	MetricSkeinMsgInErrorCount   = []string{"skein", "msg", "in", "error", "count"}
	MetricSkeinConnEstOutCount   = []string{"skein", "connection", "establishment", "out", "count"}
	MetricSkeinConnEstInCount    = []string{"skein", "connection", "establishment", "in", "count"}
	MetricSkeinConnEstErrorCount = []string{"skein", "connection", "establishment", "error", "count"}
	MetricSkeinHandshakeRejects  = []string{"skein", "handshake", "reject", "count"}
	MetricSkeinQueueDepth        = []string{"skein", "queue", "depth"}
	MetricSkeinFabricRetryCount  = []string{"skein", "fabric", "post", "retry", "count"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelPeerAddr  TelemetryLabel = "peer_addr"
	LabelPeerID    TelemetryLabel = "peer_id"
	LabelScheme    TelemetryLabel = "scheme"
	LabelConnSlot  TelemetryLabel = "conn_slot"
	LabelOperation TelemetryLabel = "operation"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
