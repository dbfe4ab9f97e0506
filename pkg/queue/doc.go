// Package queue provides the unbounded FIFO queue that decouples the HTTP
// gateway from the messaging link.
//
// Producers Push without blocking. A single consumer can block in Pop, which
// wakes on the next Push instead of polling, or take everything queued so
// far with PopAll:
//
//	q, _ := queue.New[message.Command](queue.WithMetrics(registry, "outbound"))
//	_ = q.Push(cmd)
//	next, err := q.Pop(ctx)
//
// Statistics are always collected and available through Stats. Prometheus
// metrics are exported when WithMetrics is given a registry.
package queue
