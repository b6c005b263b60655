// Package postgres is the PostgreSQL backend for deferred work items.
//
// Client owns the primary/replica connection pair behind a dbresolver. Store
// implements the enqueue writer against *sql.Tx, the outbox fan-out, the
// per-flavor claim queues, and the operator queries. Claims use
// FOR UPDATE SKIP LOCKED so any number of workers can poll the same tables.
package postgres
