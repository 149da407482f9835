package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
	"github.com/senseeact/notifyd/encoding"
)

// Key prefixes, one per registration kind
const (
	prefixSubjectWatch = "sw/"
	prefixTableWatch   = "tw/"
	prefixPush         = "pr/"
)

// PebbleStore persists registrations in an embedded Pebble database,
// one msgpack record per key.
type PebbleStore struct {
	db   *pebble.DB
	path string
}

var _ Store = (*PebbleStore)(nil)

type subjectWatchRecord struct {
	ID        string         `msgpack:"id"`
	User      string         `msgpack:"user"`
	Project   string         `msgpack:"project"`
	LastWatch int64          `msgpack:"last_watch"`
	Events    []SubjectEvent `msgpack:"events"`
}

type tableWatchRecord struct {
	ID          string   `msgpack:"id"`
	User        string   `msgpack:"user"`
	Project     string   `msgpack:"project"`
	Table       string   `msgpack:"table"`
	Subject     string   `msgpack:"subject"`
	CallbackURL string   `msgpack:"callback_url"`
	LastWatch   int64    `msgpack:"last_watch"`
	FailCount   int      `msgpack:"fail_count"`
	FailStart   int64    `msgpack:"fail_start"`
	Triggered   []string `msgpack:"triggered"`
}

type pushRecord struct {
	ID            string   `msgpack:"id"`
	Database      string   `msgpack:"database"`
	Project       string   `msgpack:"project"`
	User          string   `msgpack:"user"`
	DeviceID      string   `msgpack:"device_id"`
	Token         string   `msgpack:"token"`
	IncludeTables []string `msgpack:"include_tables"`
	ExcludeTables []string `msgpack:"exclude_tables"`
}

// NewPebbleStore opens or creates a store at path
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open registration store at %s: %w", path, err)
	}
	log.Debug().Str("path", path).Msg("Opened Pebble registration store")
	return &PebbleStore{db: db, path: path}, nil
}

func (s *PebbleStore) put(key string, v interface{}) error {
	data, err := encoding.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(key), data, pebble.Sync)
}

// get decodes the record at key into v, returning ErrNotFound if absent
func (s *PebbleStore) get(key string, v interface{}) error {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return encoding.Unmarshal(val, v)
}

// scan calls fn with the value of every key under prefix
func (s *PebbleStore) scan(prefix string, fn func(val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if err := fn(val); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) PutSubjectWatch(_ context.Context, w *SubjectWatch) error {
	rec := subjectWatchRecord{
		ID:        w.ID,
		User:      w.User,
		Project:   w.Project,
		LastWatch: toMillis(w.LastWatch),
		Events:    w.Events,
	}
	if err := s.put(prefixSubjectWatch+w.ID, &rec); err != nil {
		return fmt.Errorf("failed to save subject watch %s: %w", w.ID, err)
	}
	return nil
}

func (s *PebbleStore) GetSubjectWatch(_ context.Context, id string) (*SubjectWatch, error) {
	var rec subjectWatchRecord
	if err := s.get(prefixSubjectWatch+id, &rec); err != nil {
		return nil, fmt.Errorf("subject watch %s: %w", id, err)
	}
	return rec.decode(), nil
}

func (s *PebbleStore) ListSubjectWatches(_ context.Context) ([]*SubjectWatch, error) {
	var out []*SubjectWatch
	err := s.scan(prefixSubjectWatch, func(val []byte) error {
		var rec subjectWatchRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			return err
		}
		out = append(out, rec.decode())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list subject watches: %w", err)
	}
	return out, nil
}

func (s *PebbleStore) DeleteSubjectWatch(_ context.Context, id string) error {
	if err := s.db.Delete([]byte(prefixSubjectWatch+id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete subject watch %s: %w", id, err)
	}
	return nil
}

func (rec *subjectWatchRecord) decode() *SubjectWatch {
	w := &SubjectWatch{
		ID:        rec.ID,
		User:      rec.User,
		Project:   rec.Project,
		LastWatch: fromMillis(rec.LastWatch),
		Events:    rec.Events,
	}
	if w.Events == nil {
		w.Events = []SubjectEvent{}
	}
	return w
}

func (s *PebbleStore) PutTableWatch(_ context.Context, w *TableWatch) error {
	rec := tableWatchRecord{
		ID:          w.ID,
		User:        w.User,
		Project:     w.Project,
		Table:       w.Table,
		Subject:     w.Subject,
		CallbackURL: w.CallbackURL,
		LastWatch:   toMillis(w.LastWatch),
		FailCount:   w.CallbackFailCount,
		FailStart:   toMillis(w.CallbackFailStart),
		Triggered:   w.Triggered,
	}
	if err := s.put(prefixTableWatch+w.ID, &rec); err != nil {
		return fmt.Errorf("failed to save table watch %s: %w", w.ID, err)
	}
	return nil
}

func (s *PebbleStore) GetTableWatch(_ context.Context, id string) (*TableWatch, error) {
	var rec tableWatchRecord
	if err := s.get(prefixTableWatch+id, &rec); err != nil {
		return nil, fmt.Errorf("table watch %s: %w", id, err)
	}
	return rec.decode(), nil
}

func (s *PebbleStore) ListTableWatches(_ context.Context) ([]*TableWatch, error) {
	var out []*TableWatch
	err := s.scan(prefixTableWatch, func(val []byte) error {
		var rec tableWatchRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			return err
		}
		out = append(out, rec.decode())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list table watches: %w", err)
	}
	return out, nil
}

func (s *PebbleStore) DeleteTableWatch(_ context.Context, id string) error {
	if err := s.db.Delete([]byte(prefixTableWatch+id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete table watch %s: %w", id, err)
	}
	return nil
}

func (rec *tableWatchRecord) decode() *TableWatch {
	return &TableWatch{
		ID:                rec.ID,
		User:              rec.User,
		Project:           rec.Project,
		Table:             rec.Table,
		Subject:           rec.Subject,
		CallbackURL:       rec.CallbackURL,
		LastWatch:         fromMillis(rec.LastWatch),
		CallbackFailCount: rec.FailCount,
		CallbackFailStart: fromMillis(rec.FailStart),
		Triggered:         nilIfEmpty(rec.Triggered),
	}
}

func (s *PebbleStore) PutPushRegistration(_ context.Context, r *PushRegistration) error {
	rec := pushRecord{
		ID:            r.ID,
		Database:      r.Database,
		Project:       r.Project,
		User:          r.User,
		DeviceID:      r.DeviceID,
		Token:         r.Token,
		IncludeTables: r.IncludeTables,
		ExcludeTables: r.ExcludeTables,
	}
	if err := s.put(prefixPush+r.ID, &rec); err != nil {
		return fmt.Errorf("failed to save push registration %s: %w", r.ID, err)
	}
	return nil
}

// FindPushRegistration scans all push records; there is one per device so the set stays small
func (s *PebbleStore) FindPushRegistration(ctx context.Context, key PushKey) (*PushRegistration, error) {
	all, err := s.ListPushRegistrations(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.Key() == key {
			return r, nil
		}
	}
	return nil, fmt.Errorf("push registration %+v: %w", key, ErrNotFound)
}

func (s *PebbleStore) ListPushRegistrations(_ context.Context) ([]*PushRegistration, error) {
	var out []*PushRegistration
	err := s.scan(prefixPush, func(val []byte) error {
		var rec pushRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			return err
		}
		out = append(out, rec.decode())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list push registrations: %w", err)
	}
	return out, nil
}

func (s *PebbleStore) DeletePushRegistration(_ context.Context, id string) error {
	if err := s.db.Delete([]byte(prefixPush+id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete push registration %s: %w", id, err)
	}
	return nil
}

func (rec *pushRecord) decode() *PushRegistration {
	return &PushRegistration{
		ID:            rec.ID,
		Database:      rec.Database,
		Project:       rec.Project,
		User:          rec.User,
		DeviceID:      rec.DeviceID,
		Token:         rec.Token,
		IncludeTables: nilIfEmpty(rec.IncludeTables),
		ExcludeTables: nilIfEmpty(rec.ExcludeTables),
	}
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
