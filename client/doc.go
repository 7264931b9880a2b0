// Package client implements the client sessions that fetch the corpus chunk
// by chunk.
//
// A Session keeps one request outstanding and asks its access controller for
// permission before each transmission. The controllers model the classic
// medium access policies: Immediate sends at once, SlottedAloha sends in
// randomly won slots, BinaryBackoff waits an exponentially growing random
// number of slots after each collision and CarrierSense probes the server
// with "BUSY?" before reserving the channel.
//
// A RogueSession ignores all of that and pipelines requests from several
// senders over one connection. It exists to show how the server's schedulers
// cope with a peer that does not play fair.
package client
