package redis

// Redis key layout. Every key is prefixed with the configured namespace
// (default "renderfarm") followed by a colon.

type keys struct {
	prefix string
}

func newKeys(prefix string) keys {
	if prefix == "" {
		prefix = "renderfarm"
	}
	return keys{prefix: prefix + ":"}
}

// task returns the Hash key for a task: {prefix}task:{id}
func (k keys) task(id string) string { return k.prefix + "task:" + id }

// worker returns the Hash key for a worker: {prefix}worker:{id}
func (k keys) worker(id string) string { return k.prefix + "worker:" + id }

// tasks is the Sorted Set of all task ids scored by insertion sequence.
func (k keys) tasks() string { return k.prefix + "task_ids" }

// workers is the Sorted Set of all worker ids scored by insertion sequence.
func (k keys) workers() string { return k.prefix + "worker_ids" }

// pending is the dispatch queue: pending task ids scored by pendingScore.
func (k keys) pending() string { return k.prefix + "pending" }

// heartbeats holds live (non-Offline) worker ids scored by last heartbeat
// in Unix microseconds.
func (k keys) heartbeats() string { return k.prefix + "heartbeats" }

// seq is the insertion counter shared by tasks and workers.
func (k keys) seq() string { return k.prefix + "seq" }
