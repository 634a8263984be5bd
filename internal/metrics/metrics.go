// Package metrics exposes the session core's Prometheus instrumentation.
// Embedders that serve a /metrics endpoint pick these up from the default
// registry; everyone else pays one counter increment.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokenRefreshes counts refresh attempts by result ("success"/"failure").
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clientsession_token_refresh_total",
		Help: "Access token refresh attempts by result.",
	}, []string{"result"})

	// ForcedLogouts counts logouts not initiated by the local user, by
	// reason ("timeout"/"remote").
	ForcedLogouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clientsession_forced_logout_total",
		Help: "Forced session terminations by reason.",
	}, []string{"reason"})

	// SyncMessages counts cross-process messages accepted from the bus.
	SyncMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clientsession_sync_message_total",
		Help: "Cross-process sync messages received by type.",
	}, []string{"type"})
)
