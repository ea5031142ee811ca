// Package reconcile computes and executes the ordered work queues that bring
// the device in line with a desired configuration.
//
// DiffFiles and DiffApps turn directive lists into operations while keeping
// the directive order. WorkQueue holds the pending operations and persists
// itself after every mutation; it is owned by the flow goroutine and is not
// safe for concurrent use. Executor runs one operation at a time on a worker
// goroutine and reports an Outcome; it never touches the queue or the state
// store, leaving both to the flow.
package reconcile
