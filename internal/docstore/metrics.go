package docstore

import "github.com/prometheus/client_golang/prometheus"

var (
	docAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dwebid_document_appends_total",
		Help: "Version nodes appended to the document log, local and replicated.",
	})
	replicationSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dwebid_replication_sessions",
		Help: "Live document replication sessions.",
	})
)

func init() {
	prometheus.DefaultRegisterer.MustRegister(docAppends, replicationSessions)
}
