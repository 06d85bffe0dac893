// Package journal records outbound trade commands and inbound trade results
// to Postgres.
//
// Recording never blocks the caller: entries are queued and a flush loop
// writes them in pgx batches once BatchSize entries accumulate or
// FlushInterval elapses. The journal is an audit trail of what this client
// sent and saw. It does not replay or recover missed messages.
package journal
