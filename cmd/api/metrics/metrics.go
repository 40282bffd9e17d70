// Package metrics holds the Prometheus instruments. Tests swap the package
// vars for counters bound to a private registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicketsCreatedTotal prometheus.Counter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickets_created_total",
		Help: "Tickets created since process start.",
	})
	TicketsStatusChangedTotal prometheus.Counter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickets_status_changed_total",
		Help: "Ticket status transitions, including reopens.",
	})
	LoginsTotal prometheus.Counter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logins_total",
		Help: "Successful logins.",
	})
)
