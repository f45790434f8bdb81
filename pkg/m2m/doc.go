// Package m2m is the machine-to-machine command layer on top of llc.
//
// On the agent side it manages streams: each open stream owns a one-slot
// queue and a worker goroutine which strips the command header, runs the
// Processor and transmits the response on the same stream. Stream 0 is the
// control stream, opened with the agent and never closed.
//
// On the controller side Controller.Do sends a command and waits for the
// response on the stream it was sent to.
package m2m
