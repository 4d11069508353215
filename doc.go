// Package mbus is an in-process, label-addressed message broker with an
// integrated timer service.
//
// Work is structured around a fixed set of cooperating goroutines, each
// owning a Mailbox. A publisher sends a small fixed-layout value or a bare
// signal to a 16-bit label; every mailbox registered for that label gets
// its own pooled copy of the payload in a bounded inbox. Timers fire as
// broker signals on the label they were armed with.
//
// The broker owns no sockets, no files and no persistent state. One broker
// universe exists per process, created by Init (or lazily on first use).
package mbus
