// Package engine runs submitted tasks. Submit stores a task as pending and
// queues it; a fixed number of worker slots take tasks in FIFO order, run the
// registered solver under a per-task deadline enforced by the Supervisor, and
// record the terminal status in the store.
package engine
