package syncstore

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// storeMetrics are the sync-core counters, registered on the global
// meter provider set up by internal/observability.
type storeMetrics struct {
	eventsMerged  metric.Int64Counter
	eventsDropped metric.Int64Counter
	rollbacks     metric.Int64Counter
	catchups      metric.Int64Counter
	notices       metric.Int64Counter
}

func newStoreMetrics() *storeMetrics {
	meter := otel.Meter("feedsync/syncstore")

	eventsMerged, _ := meter.Int64Counter("sync.events.merged",
		metric.WithDescription("Change-feed events merged into local state"))
	eventsDropped, _ := meter.Int64Counter("sync.events.dropped",
		metric.WithDescription("Change-feed events dropped (self-echo or out of scope)"))
	rollbacks, _ := meter.Int64Counter("sync.mutations.rolled_back",
		metric.WithDescription("Optimistic mutations rolled back after persistence failure"))
	catchups, _ := meter.Int64Counter("sync.catchup.refetches",
		metric.WithDescription("Silent catch-up refetches after reconnect or visibility regain"))
	notices, _ := meter.Int64Counter("sync.notices",
		metric.WithDescription("User-facing failure notices"))

	return &storeMetrics{
		eventsMerged:  eventsMerged,
		eventsDropped: eventsDropped,
		rollbacks:     rollbacks,
		catchups:      catchups,
		notices:       notices,
	}
}

func tableAttr(table string) metric.AddOption {
	return metric.WithAttributes(attribute.String("table", table))
}

func kindAttr(kind string) metric.AddOption {
	return metric.WithAttributes(attribute.String("kind", kind))
}
