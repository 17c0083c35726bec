package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stmtflow",
			Subsystem: "pipeline",
			Name:      "events_published_total",
			Help:      "发布到 task_events 的事件总数。",
		},
	)

	eventsProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stmtflow",
			Subsystem: "pipeline",
			Name:      "events_processed_total",
			Help:      "Worker 成功处理的事件总数。",
		},
	)

	eventsFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stmtflow",
			Subsystem: "pipeline",
			Name:      "events_failed_total",
			Help:      "Worker 处理失败的事件总数。",
		},
	)

	updatesDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stmtflow",
			Subsystem: "pipeline",
			Name:      "updates_delivered_total",
			Help:      "推送到在线会话的完成通知总数。",
		},
	)

	updatesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stmtflow",
			Subsystem: "pipeline",
			Name:      "updates_dropped_total",
			Help:      "因用户不在线而丢弃的完成通知总数。",
		},
	)
)

// EventPublished 记录一次事件发布。
func EventPublished() { eventsPublishedTotal.Inc() }

// EventProcessed 记录一次事件处理成功。
func EventProcessed() { eventsProcessedTotal.Inc() }

// EventFailed 记录一次事件处理失败。
func EventFailed() { eventsFailedTotal.Inc() }

// UpdateDelivered 记录一次通知送达。
func UpdateDelivered() { updatesDeliveredTotal.Inc() }

// UpdateDropped 记录一次通知丢弃。
func UpdateDropped() { updatesDroppedTotal.Inc() }
