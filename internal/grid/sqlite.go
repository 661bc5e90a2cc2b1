package grid

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS pages (
	name     TEXT PRIMARY KEY,
	position INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cells (
	page    TEXT    NOT NULL REFERENCES pages(name) ON DELETE CASCADE,
	row_no  INTEGER NOT NULL,
	col_no  INTEGER NOT NULL,
	value   TEXT    NOT NULL DEFAULT '',
	color   TEXT    NOT NULL DEFAULT '',
	choices TEXT,
	PRIMARY KEY (page, row_no, col_no)
);
`

// SQLiteWorkbook stores one workbook in a SQLite database file.
type SQLiteWorkbook struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the workbook stored at path.
func OpenSQLite(path string) (*SQLiteWorkbook, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create workbook dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", path, err)
	}
	// A single connection keeps writes serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init workbook %s: %w", path, err)
	}
	return &SQLiteWorkbook{db: db, path: path}, nil
}

func (w *SQLiteWorkbook) Path() string { return w.path }

func (w *SQLiteWorkbook) Close() error {
	return w.db.Close()
}

func (w *SQLiteWorkbook) Pages(ctx context.Context) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT name FROM pages ORDER BY position, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		pages = append(pages, name)
	}
	return pages, rows.Err()
}

func (w *SQLiteWorkbook) Read(ctx context.Context, page string) (*Grid, error) {
	if ok, err := w.hasPage(ctx, w.db, page); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPage, page)
	}

	rows, err := w.db.QueryContext(ctx,
		`SELECT row_no, col_no, value, color, choices FROM cells WHERE page = ? ORDER BY row_no, col_no`, page)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	g := &Grid{}
	for rows.Next() {
		var (
			r, c    int
			cell    Cell
			choices sql.NullString
		)
		if err := rows.Scan(&r, &c, &cell.Value, &cell.Color, &choices); err != nil {
			return nil, err
		}
		if choices.Valid && choices.String != "" {
			if err := json.Unmarshal([]byte(choices.String), &cell.Choices); err != nil {
				return nil, fmt.Errorf("decode choices at %s!%d:%d: %w", page, r, c, err)
			}
		}
		g.Set(r, c, cell)
	}
	return g, rows.Err()
}

// Apply writes all updates for page inside one transaction.
func (w *SQLiteWorkbook) Apply(ctx context.Context, page string, updates []Update) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if ok, err := w.hasPage(ctx, tx, page); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrNoPage, page)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO cells (page, row_no, col_no, value, color, choices) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (page, row_no, col_no) DO UPDATE SET
	value   = excluded.value,
	color   = CASE WHEN excluded.color != '' THEN excluded.color ELSE cells.color END,
	choices = COALESCE(excluded.choices, cells.choices)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, u := range updates {
		var choices sql.NullString
		if u.Choices != nil {
			b, err := json.Marshal(u.Choices)
			if err != nil {
				return err
			}
			choices = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, page, u.Row, u.Col, u.Value, u.Color, choices); err != nil {
			return fmt.Errorf("write %s!%d:%d: %w", page, u.Row, u.Col, err)
		}
	}
	return tx.Commit()
}

// PutPage replaces (or creates) a page with the given values. It is used to
// import grids and to seed workbooks in tests.
func (w *SQLiteWorkbook) PutPage(ctx context.Context, page string, values [][]string) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pages (name, position) VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM pages))
		 ON CONFLICT (name) DO NOTHING`, page); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cells WHERE page = ?`, page); err != nil {
		return err
	}
	for r, row := range values {
		for c, v := range row {
			if v == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO cells (page, row_no, col_no, value) VALUES (?, ?, ?, ?)`, page, r, c, v); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (w *SQLiteWorkbook) hasPage(ctx context.Context, q queryer, page string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM pages WHERE name = ?`, page).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// DirOpener opens SQLite workbooks kept under one directory. A reference is
// either an absolute path or a name resolved to <Dir>/<name>.db.
type DirOpener struct {
	Dir string
}

// Open opens an existing workbook. A missing file is an error rather than
// an empty workbook.
func (o DirOpener) Open(_ context.Context, ref string) (Workbook, error) {
	path, err := o.Resolve(ref)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open workbook %q: %w", ref, err)
	}
	return OpenSQLite(path)
}

// Resolve maps ref to a file path.
func (o DirOpener) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("grid: empty workbook reference")
	}
	if filepath.IsAbs(ref) {
		return ref, nil
	}
	if strings.ContainsAny(ref, `/\`) || strings.Contains(ref, "..") {
		return "", fmt.Errorf("grid: invalid workbook reference %q", ref)
	}
	if !strings.HasSuffix(ref, ".db") {
		ref += ".db"
	}
	return filepath.Join(o.Dir, ref), nil
}
