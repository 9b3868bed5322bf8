// Package polyphony implements a cooperative fiber runtime with a pluggable
// kernel-I/O backend. Fibers are goroutines whose execution is serialized by
// a single-owner token handed from one fiber to the next by the scheduler's
// run queue: at any instant exactly one fiber's user code is progressing,
// matching the single-threaded cooperative model the backends assume.
//
// Two backends implement the Backend interface: backend/uring (Linux
// io_uring, completion-based) and backend/poller (epoll, readiness-based).
// Callers construct a Scheduler, attach a Backend, and spawn fibers that
// call into the Backend's operations; suspension and resumption are driven
// entirely by Scheduler.Run and Scheduler.Park.
package polyphony
