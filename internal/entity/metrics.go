package entity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	authSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openbot_entity_auth_success_total",
		Help: "Successful challenge-response authentications.",
	})
	authFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openbot_entity_auth_failure_total",
		Help: "Authentications rejected by the server.",
	})
	refreshSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openbot_session_refresh_success_total",
		Help: "Successful session refreshes, lazy and background.",
	})
	refreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openbot_session_refresh_failure_total",
		Help: "Failed session refresh attempts.",
	})
	revocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openbot_session_revoke_total",
		Help: "Session revocations issued.",
	})
)
