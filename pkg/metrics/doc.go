/*
Package metrics provides Prometheus metrics collection and exposition for radgate.

All collectors are package-level variables registered against the default
registry at package init. Each service mounts Handler() on its mux as
/metrics, together with the health endpoints (HealthHandler, ReadyHandler,
LivenessHandler) backed by the component health registry.

# Collectors

  - State gauges: profile and session totals, refreshed by a Collector
    polling the store every 15 seconds.
  - Reconciler: signals by action/result, signal latency, FortiGate calls
    by operation/result, whole-sequence device failovers.
  - RADIUS observer: packets by code, undecodable datagrams dropped.
  - UTM ingest: records loaded/dropped/skipped, Stream Load latency.
  - Reporter: emails by kind/result, daily run duration.
  - HTTP APIs: requests by method/status, request latency.

# Usage

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SignalDuration, "create")
	metrics.SignalsTotal.WithLabelValues("create", "ok").Inc()

Health components are registered by each service at startup and flipped by
the owning component when its backend becomes unavailable:

	metrics.RegisterComponent("mysql", true, "connected")
	metrics.UpdateComponent("mysql", false, err.Error())
*/
package metrics
