// Package health serves liveness, readiness and detailed health endpoints
// for the admission service.
//
// Checks are critical by default: a failing critical check turns readiness
// into 503. Non-critical checks, and checks returning ErrDegraded, only
// mark the service degraded. The cluster check is usually registered as
// non-critical because admission fails open while the shared store is
// down.
//
//	h := health.NewHandler(version, health.WithLogger(logger))
//	h.AddCheck(health.ClusterHealthCheck("cluster", eng, health.WithCritical(false)))
//	h.AddCheck(health.NewCachedHealthCheck(health.PostgresHealthCheck("events_db", pool), 10*time.Second))
//	h.RegisterRoutes(router)
package health
