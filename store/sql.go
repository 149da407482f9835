package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const (
	tableSubjectWatches = "watch_subject_registrations"
	tableTableWatches   = "watch_table_registrations"
	tablePush           = "push_registrations"
)

// SQLStore persists registrations in SQLite or MySQL
type SQLStore struct {
	db     *sql.DB
	q      *goqu.Database
	driver string
}

var _ Store = (*SQLStore)(nil)

type subjectWatchRow struct {
	ID        string `db:"id"`
	User      string `db:"user_id"`
	Project   string `db:"project"`
	LastWatch int64  `db:"last_watch"`
	Events    string `db:"events"`
}

type tableWatchRow struct {
	ID          string `db:"id"`
	User        string `db:"user_id"`
	Project     string `db:"project"`
	Table       string `db:"table_name"`
	Subject     string `db:"subject"`
	CallbackURL string `db:"callback_url"`
	LastWatch   int64  `db:"last_watch"`
	FailCount   int    `db:"callback_fail_count"`
	FailStart   int64  `db:"callback_fail_start"`
	Triggered   string `db:"triggered"`
}

type pushRow struct {
	ID            string `db:"id"`
	Database      string `db:"database_name"`
	Project       string `db:"project"`
	User          string `db:"user_id"`
	DeviceID      string `db:"device_id"`
	Token         string `db:"token"`
	IncludeTables string `db:"include_tables"`
	ExcludeTables string `db:"exclude_tables"`
}

// NewSQLStore opens a store. driver is "sqlite3" or "mysql"; for sqlite3
// dsn is a file name (or ":memory:").
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite3":
		if !strings.Contains(dsn, ":memory:") {
			if strings.Contains(dsn, "?") {
				dsn += "&_journal_mode=WAL&_busy_timeout=5000"
			} else {
				dsn += "?_journal_mode=WAL&_busy_timeout=5000"
			}
		}
	case "mysql":
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}
	if driver == "sqlite3" {
		// Single writer; also keeps ":memory:" databases on one connection
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	for _, schema := range sqlSchemas(driver) {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create registration schema: %w", err)
		}
	}

	log.Debug().Str("driver", driver).Msg("Opened SQL registration store")
	return &SQLStore{db: db, q: goqu.New(driver, db), driver: driver}, nil
}

func sqlSchemas(driver string) []string {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS ` + tableSubjectWatches + ` (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			project VARCHAR(255) NOT NULL,
			last_watch BIGINT NOT NULL,
			events TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + tableTableWatches + ` (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			project VARCHAR(255) NOT NULL,
			table_name VARCHAR(255) NOT NULL,
			subject VARCHAR(255) NOT NULL,
			callback_url TEXT NOT NULL,
			last_watch BIGINT NOT NULL,
			callback_fail_count INT NOT NULL,
			callback_fail_start BIGINT NOT NULL,
			triggered TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + tablePush + ` (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			database_name VARCHAR(255) NOT NULL,
			project VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			device_id VARCHAR(255) NOT NULL,
			token TEXT NOT NULL,
			include_tables TEXT NOT NULL,
			exclude_tables TEXT NOT NULL
		)`,
	}
	// MySQL has no CREATE INDEX IF NOT EXISTS; lookups there go by primary key
	// or are small enough to scan.
	if driver == "sqlite3" {
		tables = append(tables,
			`CREATE INDEX IF NOT EXISTS idx_push_key ON `+tablePush+` (user_id, project, database_name, device_id)`,
		)
	}
	return tables
}

func (s *SQLStore) upsert(ctx context.Context, table string, rec goqu.Record) error {
	update := goqu.Record{}
	for k, v := range rec {
		if k != "id" {
			update[k] = v
		}
	}
	_, err := s.q.Insert(table).
		Rows(rec).
		OnConflict(goqu.DoUpdate("id", update)).
		Executor().
		ExecContext(ctx)
	return err
}

func (s *SQLStore) deleteByID(ctx context.Context, table, id string) error {
	_, err := s.q.Delete(table).Where(goqu.C("id").Eq(id)).Executor().ExecContext(ctx)
	return err
}

func (s *SQLStore) PutSubjectWatch(ctx context.Context, w *SubjectWatch) error {
	events, err := json.Marshal(w.Events)
	if err != nil {
		return fmt.Errorf("failed to encode subject events: %w", err)
	}
	err = s.upsert(ctx, tableSubjectWatches, goqu.Record{
		"id":         w.ID,
		"user_id":    w.User,
		"project":    w.Project,
		"last_watch": toMillis(w.LastWatch),
		"events":     string(events),
	})
	if err != nil {
		return fmt.Errorf("failed to save subject watch %s: %w", w.ID, err)
	}
	return nil
}

func (s *SQLStore) GetSubjectWatch(ctx context.Context, id string) (*SubjectWatch, error) {
	var row subjectWatchRow
	found, err := s.q.From(tableSubjectWatches).Where(goqu.C("id").Eq(id)).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, fmt.Errorf("failed to read subject watch %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("subject watch %s: %w", id, ErrNotFound)
	}
	return row.decode()
}

func (s *SQLStore) ListSubjectWatches(ctx context.Context) ([]*SubjectWatch, error) {
	var rows []subjectWatchRow
	if err := s.q.From(tableSubjectWatches).Order(goqu.C("id").Asc()).ScanStructsContext(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to list subject watches: %w", err)
	}
	out := make([]*SubjectWatch, 0, len(rows))
	for _, row := range rows {
		w, err := row.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *SQLStore) DeleteSubjectWatch(ctx context.Context, id string) error {
	if err := s.deleteByID(ctx, tableSubjectWatches, id); err != nil {
		return fmt.Errorf("failed to delete subject watch %s: %w", id, err)
	}
	return nil
}

func (row *subjectWatchRow) decode() (*SubjectWatch, error) {
	w := &SubjectWatch{
		ID:        row.ID,
		User:      row.User,
		Project:   row.Project,
		LastWatch: fromMillis(row.LastWatch),
	}
	if err := json.Unmarshal([]byte(row.Events), &w.Events); err != nil {
		return nil, fmt.Errorf("corrupt events in subject watch %s: %w", row.ID, err)
	}
	if w.Events == nil {
		w.Events = []SubjectEvent{}
	}
	return w, nil
}

func (s *SQLStore) PutTableWatch(ctx context.Context, w *TableWatch) error {
	triggered, err := json.Marshal(nonNil(w.Triggered))
	if err != nil {
		return fmt.Errorf("failed to encode triggered subjects: %w", err)
	}
	err = s.upsert(ctx, tableTableWatches, goqu.Record{
		"id":                  w.ID,
		"user_id":             w.User,
		"project":             w.Project,
		"table_name":          w.Table,
		"subject":             w.Subject,
		"callback_url":        w.CallbackURL,
		"last_watch":          toMillis(w.LastWatch),
		"callback_fail_count": w.CallbackFailCount,
		"callback_fail_start": toMillis(w.CallbackFailStart),
		"triggered":           string(triggered),
	})
	if err != nil {
		return fmt.Errorf("failed to save table watch %s: %w", w.ID, err)
	}
	return nil
}

func (s *SQLStore) GetTableWatch(ctx context.Context, id string) (*TableWatch, error) {
	var row tableWatchRow
	found, err := s.q.From(tableTableWatches).Where(goqu.C("id").Eq(id)).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, fmt.Errorf("failed to read table watch %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("table watch %s: %w", id, ErrNotFound)
	}
	return row.decode()
}

func (s *SQLStore) ListTableWatches(ctx context.Context) ([]*TableWatch, error) {
	var rows []tableWatchRow
	if err := s.q.From(tableTableWatches).Order(goqu.C("id").Asc()).ScanStructsContext(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to list table watches: %w", err)
	}
	out := make([]*TableWatch, 0, len(rows))
	for _, row := range rows {
		w, err := row.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *SQLStore) DeleteTableWatch(ctx context.Context, id string) error {
	if err := s.deleteByID(ctx, tableTableWatches, id); err != nil {
		return fmt.Errorf("failed to delete table watch %s: %w", id, err)
	}
	return nil
}

func (row *tableWatchRow) decode() (*TableWatch, error) {
	w := &TableWatch{
		ID:                row.ID,
		User:              row.User,
		Project:           row.Project,
		Table:             row.Table,
		Subject:           row.Subject,
		CallbackURL:       row.CallbackURL,
		LastWatch:         fromMillis(row.LastWatch),
		CallbackFailCount: row.FailCount,
		CallbackFailStart: fromMillis(row.FailStart),
	}
	if err := json.Unmarshal([]byte(row.Triggered), &w.Triggered); err != nil {
		return nil, fmt.Errorf("corrupt triggered set in table watch %s: %w", row.ID, err)
	}
	w.Triggered = nilIfEmpty(w.Triggered)
	return w, nil
}

func (s *SQLStore) PutPushRegistration(ctx context.Context, r *PushRegistration) error {
	include, err := json.Marshal(nonNil(r.IncludeTables))
	if err != nil {
		return fmt.Errorf("failed to encode include tables: %w", err)
	}
	exclude, err := json.Marshal(nonNil(r.ExcludeTables))
	if err != nil {
		return fmt.Errorf("failed to encode exclude tables: %w", err)
	}
	err = s.upsert(ctx, tablePush, goqu.Record{
		"id":             r.ID,
		"database_name":  r.Database,
		"project":        r.Project,
		"user_id":        r.User,
		"device_id":      r.DeviceID,
		"token":          r.Token,
		"include_tables": string(include),
		"exclude_tables": string(exclude),
	})
	if err != nil {
		return fmt.Errorf("failed to save push registration %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLStore) FindPushRegistration(ctx context.Context, key PushKey) (*PushRegistration, error) {
	var row pushRow
	found, err := s.q.From(tablePush).Where(goqu.Ex{
		"user_id":       key.User,
		"project":       key.Project,
		"database_name": key.Database,
		"device_id":     key.DeviceID,
	}).ScanStructContext(ctx, &row)
	if err != nil {
		return nil, fmt.Errorf("failed to find push registration: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("push registration %+v: %w", key, ErrNotFound)
	}
	return row.decode()
}

func (s *SQLStore) ListPushRegistrations(ctx context.Context) ([]*PushRegistration, error) {
	var rows []pushRow
	if err := s.q.From(tablePush).Order(goqu.C("id").Asc()).ScanStructsContext(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to list push registrations: %w", err)
	}
	out := make([]*PushRegistration, 0, len(rows))
	for _, row := range rows {
		r, err := row.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *SQLStore) DeletePushRegistration(ctx context.Context, id string) error {
	if err := s.deleteByID(ctx, tablePush, id); err != nil {
		return fmt.Errorf("failed to delete push registration %s: %w", id, err)
	}
	return nil
}

func (row *pushRow) decode() (*PushRegistration, error) {
	r := &PushRegistration{
		ID:       row.ID,
		Database: row.Database,
		Project:  row.Project,
		User:     row.User,
		DeviceID: row.DeviceID,
		Token:    row.Token,
	}
	if err := json.Unmarshal([]byte(row.IncludeTables), &r.IncludeTables); err != nil {
		return nil, fmt.Errorf("corrupt include tables in push registration %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.ExcludeTables), &r.ExcludeTables); err != nil {
		return nil, fmt.Errorf("corrupt exclude tables in push registration %s: %w", row.ID, err)
	}
	r.IncludeTables = nilIfEmpty(r.IncludeTables)
	r.ExcludeTables = nilIfEmpty(r.ExcludeTables)
	return r, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
