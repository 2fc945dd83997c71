// Package publisher delivers notification events to push transports.
//
// The event fanout hands every appended event to Registry.Dispatch, which only
// writes it to a Pebble-backed outbox. One Worker per configured sink polls the
// outbox, filters by kind and subject globs, transforms the record and publishes
// it, advancing a per-sink cursor after each success. Delivery is at-least-once:
// a crash between publish and cursor advance redelivers the record.
//
// Key layout:
//
//	/outbox/rec/{seq:016x}   -> msgpack(Record)
//	/outbox/cursor/{sink}    -> uint64 cursor
//	/outbox/seq              -> uint64 last assigned sequence
//
// Records below the lowest sink cursor are deleted periodically.
//
// Sinks (package sink) and transformers (package transformer) register
// themselves by type and format name in init functions, so importing them for
// side effects is enough to make them configurable.
package publisher
