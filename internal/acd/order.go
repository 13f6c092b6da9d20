package acd

import "sync/atomic"

// lastRequestID is the process-wide request id sequence. Ids are never
// reused, so they double as the FIFO tie-break and a causal ordering key.
var lastRequestID atomic.Int64

func nextRequestID() int64 {
	return lastRequestID.Add(1)
}

// requestLess is the queue ordering rule: priority ascending, then id
// ascending. Priority and id are immutable, so no locking is needed.
func requestLess(a, b *QueueRequest) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.id < b.id
}
