// Package stores provides persistence for the three resource tables.
// SQLiteStore keeps record metadata, table readiness, the swap marker,
// metadata and the install journal in SQLite with WAL mode; PayloadCache
// keeps payload bytes in badger. MemoryStore is an in-process TableStore
// with fault injection for crash tests.
package stores
