package sync

import "github.com/VictoriaMetrics/metrics"

// 同步引擎运行指标，经 metrics.WritePrometheus 暴露。
var (
	framesSent        = metrics.NewCounter("converge_sync_frames_sent_total")
	framesReceived    = metrics.NewCounter("converge_sync_frames_received_total")
	envelopesMerged   = metrics.NewCounter("converge_sync_envelopes_merged_total")
	mergeFailures     = metrics.NewCounter("converge_sync_merge_failures_total")
	sendFailures      = metrics.NewCounter("converge_sync_send_failures_total")
	heartbeatsSent    = metrics.NewCounter("converge_sync_heartbeats_sent_total")
	fullSyncRequests  = metrics.NewCounter("converge_sync_full_sync_requests_total")
	bytesSentTotal    = metrics.NewCounter("converge_sync_bytes_sent_total")
	bytesReceived     = metrics.NewCounter("converge_sync_bytes_received_total")
	peerOnlineTransitions  = metrics.NewCounter("converge_sync_peer_online_transitions_total")
	peerOfflineTransitions = metrics.NewCounter("converge_sync_peer_offline_transitions_total")
)
