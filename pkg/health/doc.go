/*
Package health turns worker liveness results into failure requests.

Liveness results arrive two ways: pushed by workers or an external monitor
through the API, or gathered by the optional Prober, which runs an HTTP or TCP
check against every live worker's address.

	              ┌──────────────┐
	 API ────────▶│              │  FailureRequest
	              │   Tracker    │─────────────────▶ reconciler
	 Prober ─────▶│ (one loop)   │
	              └──────────────┘
	                     ▲
	                     │ Forget(workerID)
	                 reconciler

# Threshold

The Tracker keeps a Status per worker. Each unhealthy result increments the
consecutive failure count and each healthy one resets it. When the count
reaches Config.Threshold a single FailureRequest is sent; further failures of
the same worker send nothing until a healthy result re-arms it.

Within StartPeriod of a worker's first result, failures are counted but never
trip, giving slow starters time to come up. Results older than the latest one seen
for a worker are dropped.

# Checkers

	checker := health.NewHTTPChecker("http://10.0.3.7:8081/healthz", 2*time.Second)
	res := checker.Check(ctx)

HTTPChecker treats any 2xx or 3xx as healthy. TCPChecker only needs the
connection to open.
*/
package health
