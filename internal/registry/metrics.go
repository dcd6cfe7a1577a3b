package registry

import "github.com/prometheus/client_golang/prometheus"

var registryOps = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dwebid_registry_operations_total",
		Help: "Registry operations that reached the mutable-record store.",
	},
	[]string{"op"},
)

func init() {
	prometheus.DefaultRegisterer.MustRegister(registryOps)
}
