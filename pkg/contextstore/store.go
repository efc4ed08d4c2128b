// Package contextstore keeps the per-conversation message log that feeds AI
// prompt windows. Rows live in the embedded table engine; one mutex orders
// appends per store.
package contextstore

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/lchbot/pkg/table"
)

// MaxPerKey caps the number of retained messages per context key.
const MaxPerKey = 2000

// DefaultTTL is the age past which sweep removes messages.
const DefaultTTL = 7 * 24 * time.Hour

// Message is one persisted context row.
type Message struct {
	ID         int64
	ContextKey string
	Role       string
	Content    string
	Timestamp  int64
	SenderName string
	SenderID   int64
}

// Store owns the messages table and its persistence file.
type Store struct {
	mu  sync.Mutex
	db  *table.DB
	cap int

	now func() time.Time
}

// Open loads (or creates) the context database at path.
func Open(path string) (*Store, error) {
	db, err := table.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "contextstore: open")
	}
	s := &Store{db: db, cap: MaxPerKey, now: time.Now}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER, context_key TEXT, role TEXT, content TEXT,
		timestamp INTEGER, sender_name TEXT, sender_id INTEGER,
		PRIMARY KEY(id))`); err != nil {
		return nil, err
	}
	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_context ON messages (context_key)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages (timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages (sender_name)`,
	} {
		if _, err := db.Exec(idx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Append inserts one message with the current timestamp and enforces the
// per-key cap by evicting the oldest rows in the same critical section.
func (s *Store) Append(contextKey, role, content, senderName string, senderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO messages (context_key, role, content, timestamp, sender_name, sender_id) VALUES (?,?,?,?,?,?)`,
		table.Text(contextKey), table.Text(role), table.Text(content),
		table.Int(s.now().Unix()), table.Text(senderName), table.Int(senderID))
	if err != nil {
		return errors.Wrap(err, "contextstore: insert")
	}

	count, err := s.countLocked(contextKey)
	if err != nil {
		return err
	}
	if excess := count - s.cap; excess > 0 {
		_, err = s.db.Exec(
			`DELETE FROM messages WHERE context_key = ? ORDER BY timestamp LIMIT `+strconv.Itoa(excess),
			table.Text(contextKey))
		if err != nil {
			return errors.Wrap(err, "contextstore: evict")
		}
	}
	return nil
}

func (s *Store) countLocked(contextKey string) (int, error) {
	res, err := s.db.Query(`SELECT id FROM messages WHERE context_key = ?`, table.Text(contextKey))
	if err != nil {
		return 0, errors.Wrap(err, "contextstore: count")
	}
	return len(res.Rows), nil
}

// Count returns the number of retained messages for a key.
func (s *Store) Count(contextKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.countLocked(contextKey)
	if err != nil {
		log.Warn().Err(err).Str("context_key", contextKey).Msg("contextstore: count failed")
		return 0
	}
	return n
}

// Recent returns the most recent n messages in ascending time order
// (insertion order breaks timestamp ties, carried by the monotone id).
func (s *Store) Recent(contextKey string, n int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Query(
		`SELECT * FROM messages WHERE context_key = ? ORDER BY id DESC LIMIT `+strconv.Itoa(n),
		table.Text(contextKey))
	if err != nil {
		log.Warn().Err(err).Str("context_key", contextKey).Msg("contextstore: recent failed")
		return nil
	}
	msgs := rowsToMessages(res)
	reverse(msgs)
	return msgs
}

// SearchKeyword returns up to n messages for key whose content contains
// substr, ascending by time.
func (s *Store) SearchKeyword(contextKey, substr string, n int) []Message {
	return s.filter(contextKey, n, func(m Message) bool {
		return substr != "" && strings.Contains(m.Content, substr)
	})
}

// SearchSender returns up to n messages for key sent by the named sender.
func (s *Store) SearchSender(contextKey, senderName string, n int) []Message {
	return s.filter(contextKey, n, func(m Message) bool {
		return m.SenderName == senderName
	})
}

// TimeRange returns up to n messages for key with from <= timestamp <= to.
func (s *Store) TimeRange(contextKey string, from, to int64, n int) []Message {
	return s.filter(contextKey, n, func(m Message) bool {
		return m.Timestamp >= from && m.Timestamp <= to
	})
}

// filter scans the key's rows newest-first, keeps matches up to n, and
// returns them ascending.
func (s *Store) filter(contextKey string, n int, keep func(Message) bool) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Query(
		`SELECT * FROM messages WHERE context_key = ? ORDER BY id DESC`,
		table.Text(contextKey))
	if err != nil {
		log.Warn().Err(err).Str("context_key", contextKey).Msg("contextstore: filter failed")
		return nil
	}
	var out []Message
	for _, m := range rowsToMessages(res) {
		if keep(m) {
			out = append(out, m)
			if n > 0 && len(out) >= n {
				break
			}
		}
	}
	reverse(out)
	return out
}

// Clear deletes every message under the key.
func (s *Store) Clear(contextKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM messages WHERE context_key = ?`, table.Text(contextKey))
	return errors.Wrap(err, "contextstore: clear")
}

// Sweep deletes messages older than the given age. It runs the per-row
// deletes inside one transaction so the file flushes once.
func (s *Store) Sweep(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan).Unix()
	res, err := s.db.Query(`SELECT id, timestamp FROM messages`)
	if err != nil {
		return 0, errors.Wrap(err, "contextstore: sweep scan")
	}

	var doomed []int64
	for _, row := range res.Rows {
		if row[1].AsInt() < cutoff {
			doomed = append(doomed, row[0].AsInt())
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	if _, err := s.db.Exec(`BEGIN`); err != nil {
		return 0, err
	}
	for _, id := range doomed {
		if _, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, table.Int(id)); err != nil {
			_, _ = s.db.Exec(`ROLLBACK`)
			return 0, errors.Wrap(err, "contextstore: sweep delete")
		}
	}
	if _, err := s.db.Exec(`COMMIT`); err != nil {
		return 0, err
	}
	log.Info().Int("removed", len(doomed)).Msg("contextstore: swept old messages")
	return len(doomed), nil
}

// Flush forces the backing file to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Flush()
}

func rowsToMessages(res *table.Result) []Message {
	msgs := make([]Message, 0, len(res.Rows))
	for _, m := range res.Maps() {
		msgs = append(msgs, Message{
			ID:         m["id"].AsInt(),
			ContextKey: m["context_key"].AsText(),
			Role:       m["role"].AsText(),
			Content:    m["content"].AsText(),
			Timestamp:  m["timestamp"].AsInt(),
			SenderName: m["sender_name"].AsText(),
			SenderID:   m["sender_id"].AsInt(),
		})
	}
	return msgs
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

