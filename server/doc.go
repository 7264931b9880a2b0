// Package server implements the chunk server and its contention layer.
//
// Every accepted connection gets its own handler goroutine that parses
// request lines. How an offset request is admitted depends on the Mode:
// direct mode serves it inline, the aloha and cscd modes first ask an
// Arbiter whether it collides, and the fifo and rr modes hand it to a single
// Scheduler worker. A monitor goroutine retires finished sessions and shuts
// the server down once every expected session has received the end of the
// corpus.
package server
