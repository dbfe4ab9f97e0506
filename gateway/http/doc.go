// Package http is the kernel bridge's HTTP gateway.
//
// Routes, relative to the configured base path (default /solidui/kernel):
//
//	GET  {base}/api      drain queued results: {"results":[...]}
//	POST {base}/api      queue a command object: {"result":"success"}
//	POST {base}/restart  replace the kernel manager
//	GET  {base}/status   kernel, link and queue state
//
// plus /health, /healthz, /readyz and /metrics at the root. Every error is
// answered with a JSON envelope {"error": "...", "status": code}. Submitting
// never waits for the kernel; results are collected by polling.
package http
