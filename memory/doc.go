// Package memory coordinates the two halves of the knowledge engine: the
// record store, which is the source of truth, and the semantic index, which
// is a derived projection of it.
//
// Every mutation lands in the record store first. Only after the store
// commit does the index get updated; an index failure therefore never loses
// knowledge, it only degrades search until a reconciliation rebuilds the
// index from the records. The Manager exposes that discipline as a single
// API so callers never touch the two stores in the wrong order.
package memory
