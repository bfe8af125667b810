// Package task runs the two-stage fetch/decode pipeline. A Dispatcher owns a
// download WorkerPool, a decode WorkerPool, the shared byte cache and a pool
// of reusable TaskSlots. Workers never touch dispatcher state; they post
// events that a single control loop drains serially, and that loop is the
// only place ResultSink callbacks run.
package task
