package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Template is a named, reusable script body task creation can reference by
// name instead of inlining script_content.
type Template struct {
	ID          int64
	Name        string
	Content     string
	CreatedTime time.Time
}

// CreateTemplate inserts a named template, rejecting duplicate names.
func (d *DB) CreateTemplate(name, content string) (int64, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	res, err := d.db.Exec(
		`INSERT INTO templates (name, content, created_time) VALUES (?, ?, ?)`,
		name, content, time.Now().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("creating template %q: %w", name, err)
	}
	return res.LastInsertId()
}

// GetTemplateByName looks up a template by its unique name.
func (d *DB) GetTemplateByName(name string) (*Template, error) {
	row := d.db.QueryRow(`SELECT id, name, content, created_time FROM templates WHERE name = ?`, name)
	var t Template
	var created string
	if err := row.Scan(&t.ID, &t.Name, &t.Content, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get template %q: %w", name, err)
	}
	parsed, err := time.Parse(timeLayout, created)
	if err != nil {
		return nil, fmt.Errorf("parsing created_time: %w", err)
	}
	t.CreatedTime = parsed
	return &t, nil
}

// ListTemplates returns all templates, newest first.
func (d *DB) ListTemplates() ([]*Template, error) {
	rows, err := d.db.Query(`SELECT id, name, content, created_time FROM templates ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		var t Template
		var created string
		if err := rows.Scan(&t.ID, &t.Name, &t.Content, &created); err != nil {
			return nil, fmt.Errorf("scanning template row: %w", err)
		}
		parsed, err := time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("parsing created_time: %w", err)
		}
		t.CreatedTime = parsed
		out = append(out, &t)
	}
	return out, rows.Err()
}

// DeleteTemplate removes a template by name.
func (d *DB) DeleteTemplate(name string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	res, err := d.db.Exec(`DELETE FROM templates WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting template %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
