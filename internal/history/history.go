// Package history persists conversation transcripts on the local disk.
//
// Entries are stored in BadgerDB under keys of the form
//
//	chat:<session>:<timestamp>
//
// where the timestamp is the entry's UnixNano zero-padded to 20 digits, so
// lexicographic key order matches chronological order. Values are
// msgpack-encoded [Entry] records.
//
// The store is safe for concurrent use.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Role identifies the author of a transcript entry.
type Role string

const (
	// RoleUser marks text the local user sent to the backend.
	RoleUser Role = "user"

	// RoleCompanion marks text the backend streamed to the client.
	RoleCompanion Role = "companion"
)

// Entry is one line of conversation.
type Entry struct {
	// ID uniquely identifies this entry. Filled with a fresh UUID on append
	// when empty.
	ID string `json:"id" msgpack:"id"`

	// SessionID groups entries belonging to one backend session.
	SessionID string `json:"session_id" msgpack:"sid"`

	// Role identifies the author.
	Role Role `json:"role" msgpack:"role"`

	// Text is the entry content.
	Text string `json:"text" msgpack:"text"`

	// Timestamp is when the entry was recorded. Filled with the current time
	// on append when zero.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

const keyPrefix = "chat:"

// entryKey builds the storage key for an entry. The zero-padded timestamp
// keeps lexicographic and chronological order aligned.
func entryKey(sessionID string, ts time.Time) []byte {
	return fmt.Appendf(nil, "%s%s:%020d", keyPrefix, sessionID, ts.UnixNano())
}

// Options configures a [Store].
type Options struct {
	// Dir is the directory for the database files. Required unless InMemory
	// is set.
	Dir string

	// InMemory keeps all data in memory, with no disk persistence. Intended
	// for tests.
	InMemory bool
}

// Store is a BadgerDB-backed, append-only transcript log.
type Store struct {
	db *badger.DB
}

// Open opens or creates the history database.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("history: Options.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	return &Store{db: db}, nil
}

// Append writes e to the log. An empty ID and a zero Timestamp are filled
// in; the session ID must be set by the caller.
func (s *Store) Append(_ context.Context, e Entry) error {
	if e.SessionID == "" {
		return errors.New("history: entry has no session ID")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("history: encode entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.SessionID, e.Timestamp), data)
	})
}

// Recent returns the last n entries of the given session in chronological
// order. n <= 0 returns the whole session. The result is an empty, non-nil
// slice when the session has no entries.
func (s *Store) Recent(_ context.Context, sessionID string, n int) ([]Entry, error) {
	prefix := []byte(keyPrefix + sessionID + ":")
	entries := []Entry{}

	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Reverse = true
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		// Reverse iteration must start past the last key of the prefix
		// range; 0xFF sorts after every digit byte.
		seek := append(slices.Clone(prefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if n > 0 && len(entries) == n {
				break
			}
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("history: decode entry %s: %w", it.Item().Key(), err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Reverse(entries)
	return entries, nil
}

// Sessions returns the IDs of all stored sessions in sorted order.
func (s *Store) Sessions(_ context.Context) ([]string, error) {
	prefix := []byte(keyPrefix)
	seen := make(map[string]struct{})

	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			k := string(it.Item().Key())
			// The timestamp never contains a colon, so the session ID runs
			// up to the last one.
			end := strings.LastIndexByte(k, ':')
			if end <= len(keyPrefix) {
				continue
			}
			seen[k[len(keyPrefix):end]] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Ping verifies the database is open and readable.
func (s *Store) Ping(_ context.Context) error {
	return s.db.View(func(*badger.Txn) error { return nil })
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's own log output through slog, dropping the
// chatty info and debug levels.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...any) {
	slog.Error("badger: " + fmt.Sprintf(strings.TrimSpace(f), v...))
}

func (badgerLogger) Warningf(f string, v ...any) {
	slog.Warn("badger: " + fmt.Sprintf(strings.TrimSpace(f), v...))
}

func (badgerLogger) Infof(string, ...any)  {}
func (badgerLogger) Debugf(string, ...any) {}
