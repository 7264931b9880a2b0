// Package protocol defines the shared vocabulary of macnet: the token corpus,
// the newline-terminated wire protocol, the slot clock and the interfaces that
// connect access policies and arbiters to the transport.
//
// # Wire Protocol
//
// Every message is one line terminated by '\n'.
//
// Requests:
//
//   - "<offset>" asks for the chunk of k tokens starting at offset.
//   - "BUSY?" carrier-senses the channel and is answered with "BUSY" or "IDLE".
//
// Replies to an offset request:
//
//   - A chunk: one or more lines of at most p comma-separated tokens. The
//     line that reaches the end of the corpus carries "EOF" as its last
//     element.
//   - "$$" when the offset is at or past the corpus length.
//   - "HUH!" when the request collided. It may follow a partially sent
//     chunk, in which case the partial tokens must be discarded.
//
// # Slots
//
// Time is divided into slots of fixed duration. SlotForTime maps wall time
// onto a slot index, and every slot-gated decision (slotted random access,
// backoff delays measured in slot units, the slotted server arbiter) is made
// against that index.
//
// # Contention
//
// AccessController implementations gate transmission on the client side.
// Arbiter implementations decide on the server side whether overlapping
// requests collide. Both are deliberately small so that sessions and
// connection handlers can swap policies without changing the transfer code.
package protocol
