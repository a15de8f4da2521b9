package traversal

import "context"

// taskKey names a completion flag on a post. An empty field stands for the node itself, which
// has no stored flag.
type taskKey struct {
	field string
	id    string
}

func nodeTask(id string) taskKey {
	return taskKey{id: id}
}

// task tracks one flag until its own step and every task it waits on have finished.
type task struct {
	open    int
	failed  bool
	done    bool
	waiters []taskKey
}

// task returns the tracker for key, creating it with its own step still open.
func (r *run) task(key taskKey) *task {
	t, ok := r.tasks[key]
	if !ok {
		t = &task{open: 1}
		r.tasks[key] = t
	}
	return t
}

// await makes parent wait for child unless child already finished.
func (r *run) await(parent, child taskKey) {
	c := r.task(child)
	if c.done {
		return
	}
	r.task(parent).open++
	c.waiters = append(c.waiters, parent)
}

// settle closes the own step of key. A failed step leaves its flag unset, and so every flag
// waiting on it.
func (r *run) settle(ctx context.Context, key taskKey, ok bool) {
	t := r.task(key)
	if !ok {
		t.failed = true
		return
	}
	r.release(ctx, key, t, true)
}

// settleStored closes a step whose flag an earlier run already wrote.
func (r *run) settleStored(ctx context.Context, key taskKey) {
	r.release(ctx, key, r.task(key), false)
}

func (r *run) release(ctx context.Context, key taskKey, t *task, write bool) {
	t.open--
	if t.open > 0 || t.failed || t.done {
		return
	}
	t.done = true
	if write && key.field != "" {
		r.setFlag(ctx, key.id, key.field)
	}
	waiters := t.waiters
	t.waiters = nil
	for _, w := range waiters {
		r.release(ctx, w, r.tasks[w], true)
	}
}
