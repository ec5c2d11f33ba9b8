// Package crdt implements the replicated text held by every sync room.
//
// Text is a sequence of runes. Every rune is an item tagged with the ID of
// the replica that inserted it and that replica's clock, and remembers its
// left (origin) and right neighbour at creation time. Items are integrated
// with the YATA rule: an item lands between its origins, and concurrent
// items competing for the same gap are ordered by replica id. Deleted items
// stay in the sequence as tombstones so later updates can still refer to
// them.
//
// Two stores that applied the same set of updates hold identical text, in
// whatever order the updates arrived.
package crdt
