package db

import "github.com/jmoiron/sqlx"

// Pool pairs the write and read connection pools.
//
// For SQLite under WAL the writer is a single connection (serialized writes,
// no SQLITE_BUSY) while the reader pool runs multiple concurrent read-only
// connections against WAL snapshots. For PostgreSQL both sides are the same
// *sqlx.DB since pgx pools internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from writer and reader connections. Passing the
// same *sqlx.DB twice is valid and Close handles it.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the pool for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both pools, tolerating a shared underlying connection.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
