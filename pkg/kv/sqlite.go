package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// document is one row of a sqlite store table.
type document struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DocKey    string `gorm:"column:doc_key"`
	Value     string
}

func (d *document) pair() (*Pair, error) {
	return decodeValue(d.DocKey, []byte(d.Value))
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLite stores every pair as a row of a table in a sqlite database file,
// with the value serialized as JSON.
type SQLite struct {
	db     *gorm.DB
	table  string
	logger *slog.Logger
}

// openSQLite parses sqlite://<path to db file>/<table>. Both
// sqlite:///abs/path.db/table and sqlite://rel/path.db/table are accepted.
func openSQLite(ctx context.Context, u *url.URL, logger *slog.Logger) (Backend, error) {
	p := strings.TrimSuffix(u.Host+u.Path, "/")
	i := strings.LastIndex(p, "/")
	if i <= 0 || i == len(p)-1 {
		return nil, fmt.Errorf("sqlite url %q needs a database path and a table name", u.String())
	}
	return NewSQLite(ctx, p[:i], p[i+1:], logger)
}

func NewSQLite(ctx context.Context, path, table string, logger *slog.Logger) (*SQLite, error) {
	logger = logger.With("module", "kv_sqlite", "table", table)

	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: slogGorm.New(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db = db.WithContext(ctx)

	// Set Pragmas
	err = db.Exec("PRAGMA journal_mode=WAL;").Error
	if err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	err = db.Exec("PRAGMA busy_timeout=5000;").Error
	if err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Tables share one model, so the schema is created by hand to keep index
	// names unique per table.
	err = db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME,
		updated_at DATETIME,
		doc_key TEXT NOT NULL,
		value TEXT NOT NULL
	)`, table)).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	err = db.Exec(fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %q ON %q (doc_key)`, "idx_"+table+"_doc_key", table)).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create key index: %w", err)
	}

	logger.Info("opened sqlite store", "path", path)

	return &SQLite{db: db, table: table, logger: logger}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (*Pair, error) {
	var d document
	err := s.db.WithContext(ctx).Table(s.table).Where("doc_key = ?", key).Take(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d.pair()
}

func (s *SQLite) Put(ctx context.Context, p *Pair) (*Pair, error) {
	raw, err := json.Marshal(p.Value)
	if err != nil {
		return nil, err
	}

	var old *Pair
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing document
		err := tx.Table(s.table).Where("doc_key = ?", p.Key).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Table(s.table).Create(&document{DocKey: p.Key, Value: string(raw)}).Error
		case err != nil:
			return err
		}

		old, err = existing.pair()
		if err != nil {
			return err
		}
		return tx.Table(s.table).Where("id = ?", existing.ID).Updates(map[string]any{
			"value":      string(raw),
			"updated_at": time.Now(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return old, nil
}

func (s *SQLite) Create(ctx context.Context, p *Pair) (*Pair, error) {
	raw, err := json.Marshal(p.Value)
	if err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).Table(s.table).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "doc_key"}}, DoNothing: true}).
		Create(&document{DocKey: p.Key, Value: string(raw)})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		return nil, nil
	}
	return s.Get(ctx, p.Key)
}

func (s *SQLite) Delete(ctx context.Context, key string) (*Pair, error) {
	var removed *Pair
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing document
		err := tx.Table(s.table).Where("doc_key = ?", key).Take(&existing).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		removed, err = existing.pair()
		if err != nil {
			return err
		}
		return tx.Table(s.table).Where("id = ?", existing.ID).Delete(&document{}).Error
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *SQLite) Iter(ctx context.Context) iter.Seq2[*Pair, error] {
	return s.rows(ctx, func(db *gorm.DB) *gorm.DB { return db })
}

// HasField matches rows whose JSON value has the top-level field, including
// fields explicitly set to null.
func (s *SQLite) HasField(ctx context.Context, field string) iter.Seq2[*Pair, error] {
	path := `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
	return s.rows(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("json_type(value, ?) IS NOT NULL", path)
	})
}

func (s *SQLite) rows(ctx context.Context, scope func(*gorm.DB) *gorm.DB) iter.Seq2[*Pair, error] {
	return func(yield func(*Pair, error) bool) {
		db := s.db.WithContext(ctx)
		rows, err := scope(db.Table(s.table)).Order("id").Rows()
		if err != nil {
			yield(nil, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var d document
			if err := db.ScanRows(rows, &d); err != nil {
				yield(nil, err)
				return
			}
			if !yield(d.pair()) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
