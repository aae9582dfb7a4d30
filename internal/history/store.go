// Package history provides PostgreSQL-backed persistence for session
// lifecycle records and relayed messages. Writes are buffered and applied by
// a background goroutine so the relay path never blocks on the database.
package history

import (
	"context"
	"database/sql"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/whisper/roulette/internal/relay"
	"github.com/whisper/roulette/internal/session"
)

const (
	defaultBufferSize = 1024
	writeTimeout      = 5 * time.Second
)

// record is one buffered write. Exactly one field is set.
type record struct {
	msg          *relay.Message
	sessionStart *session.Session
	sessionEnd   *session.Session
}

// Store buffers history records and writes them to PostgreSQL in the
// background. It implements the relay and engine sink interfaces; when the
// buffer is full, records are dropped rather than blocking the caller.
type Store struct {
	db      *sql.DB
	records chan record
	done    chan struct{}
}

// NewStore creates a Store over the given database handle and starts the
// background writer.
func NewStore(db *sql.DB) *Store {
	s := &Store{
		db:      db,
		records: make(chan record, defaultBufferSize),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Open connects to PostgreSQL, verifies the connection, and applies pending
// migrations.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// RecordMessage enqueues a relayed message for persistence. Never blocks.
func (s *Store) RecordMessage(msg *relay.Message) {
	s.enqueue(record{msg: msg})
}

// RecordSessionStart enqueues a session creation record. Never blocks.
func (s *Store) RecordSessionStart(sess *session.Session) {
	s.enqueue(record{sessionStart: sess})
}

// RecordSessionEnd enqueues a session termination record. Never blocks.
func (s *Store) RecordSessionEnd(sess *session.Session) {
	s.enqueue(record{sessionEnd: sess})
}

func (s *Store) enqueue(r record) {
	select {
	case s.records <- r:
	default:
		log.Println("[history] buffer full, dropping record")
	}
}

// Close drains buffered records and stops the writer.
func (s *Store) Close() {
	close(s.records)
	<-s.done
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for r := range s.records {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		s.write(ctx, r)
		cancel()
	}
}

func (s *Store) write(ctx context.Context, r record) {
	var err error
	switch {
	case r.msg != nil:
		const query = `
			INSERT INTO chat_messages (id, session_id, sender_display, content, sent_at)
			VALUES ($1, $2, $3, $4, $5)`
		_, err = s.db.ExecContext(ctx, query,
			r.msg.ID, r.msg.SessionID, r.msg.SenderDisplayID, r.msg.Content, r.msg.Ts)

	case r.sessionStart != nil:
		const query = `
			INSERT INTO chat_sessions (id, mode, started_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING`
		sess := r.sessionStart
		_, err = s.db.ExecContext(ctx, query, sess.ID, string(sess.Mode), sess.StartedAt)

	case r.sessionEnd != nil:
		const query = `
			UPDATE chat_sessions
			SET ended_at = $2, end_reason = $3, message_count = $4
			WHERE id = $1`
		sess := r.sessionEnd
		_, err = s.db.ExecContext(ctx, query,
			sess.ID, sess.EndedAt, string(sess.EndReason), sess.MessageCount)
	}

	if err != nil {
		log.Printf("[history] write failed: %v", err)
	}
}
