// Package health provides the health model of the kernel bridge.
//
// A Status is one of healthy, degraded or unhealthy, with an optional set of
// sub-statuses and counters. The Monitor keeps one Checker per component
// (supervisor, link, queues) and evaluates them on demand, so /health and
// /readyz always report live state:
//
//	monitor := health.NewMonitor()
//	monitor.Register("supervisor", func() health.Status {
//	    if _, ok := sup.Current(); ok {
//	        return health.NewHealthy("supervisor", "kernel manager running")
//	    }
//	    return health.NewUnhealthy("supervisor", "no kernel manager")
//	})
//	overall := monitor.AggregateHealth("kernelbridge")
//
// Error messages passed through FromError are sanitized: URLs, file paths,
// IP addresses, ports and credential-looking pairs are redacted.
package health
