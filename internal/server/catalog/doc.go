// Package catalog implements ports.Catalog backends.
//
// Two backends are provided, chosen by configuration (catalog.type):
//   - memory: an ordered, in-process map guarded by a reader-writer lock.
//     Suitable for a single server replica or tests.
//   - filekv: a key-value store backed by two JSON documents on disk (the
//     wire layout of spec §6), with writes serialized through a single
//     writer mutex and reads served from an immutable snapshot
//     (spec §5 "Shared state").
//
// Both backends expose the same ports.Catalog capability set and the same
// observable ordering/pagination semantics (spec §4.1): swapping one for
// the other must not change what a caller sees.
package catalog
