package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating when needed) the database at path and
// applies the schema. ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			phone TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			is_manual_service INTEGER NOT NULL DEFAULT 0,
			last_message_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			contact_id TEXT NOT NULL,
			content TEXT NOT NULL,
			sender_type TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (contact_id) REFERENCES contacts(id) ON DELETE CASCADE,
			CHECK (sender_type IN ('contact', 'bot', 'user'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_contact_created
			ON messages(contact_id, created_at);

		CREATE TABLE IF NOT EXISTS menu_options (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			sort_order INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS prompts (
			id TEXT PRIMARY KEY,
			menu_option_id TEXT NOT NULL,
			content TEXT NOT NULL,
			FOREIGN KEY (menu_option_id) REFERENCES menu_options(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_prompts_option ON prompts(menu_option_id);

		CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			is_connected INTEGER NOT NULL,
			device_name TEXT,
			device_number TEXT,
			qr_code TEXT,
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// timeLayout is fixed width so text comparison in ORDER BY matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const contactColumns = `id, phone, name, tags, is_manual_service, last_message_at, created_at`

func scanContact(row rowScanner) (*Contact, error) {
	var c Contact
	var tagsJSON, lastStr, createdStr string
	if err := row.Scan(&c.ID, &c.Phone, &c.Name, &tagsJSON, &c.IsManualService, &lastStr, &createdStr); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tagsJSON), &c.Tags); err != nil {
		return nil, fmt.Errorf("parsing tags: %w", err)
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}

	var err error
	if c.LastMessageAt, err = parseTime(lastStr); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) FindContactByPhone(ctx context.Context, phone string) (*Contact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE phone = ?`, phone)
	contact, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying contact by phone: %w", err)
	}
	return contact, nil
}

func (s *SQLiteStore) GetContact(ctx context.Context, id string) (*Contact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	contact, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying contact: %w", err)
	}
	return contact, nil
}

// CreateContact assigns ID and timestamps when unset.
func (s *SQLiteStore) CreateContact(ctx context.Context, contact *Contact) error {
	if contact.ID == "" {
		contact.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = now
	}
	if contact.LastMessageAt.IsZero() {
		contact.LastMessageAt = contact.CreatedAt
	}
	if contact.Tags == nil {
		contact.Tags = []string{}
	}

	tagsJSON, err := json.Marshal(contact.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, phone, name, tags, is_manual_service, last_message_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, contact.ID, contact.Phone, contact.Name, string(tagsJSON), contact.IsManualService,
		formatTime(contact.LastMessageAt), formatTime(contact.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting contact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TouchContact(ctx context.Context, id string, at time.Time) error {
	return s.updateContact(ctx, `UPDATE contacts SET last_message_at = ? WHERE id = ?`, formatTime(at), id)
}

func (s *SQLiteStore) SetContactTags(ctx context.Context, id string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	return s.updateContact(ctx, `UPDATE contacts SET tags = ? WHERE id = ?`, string(tagsJSON), id)
}

func (s *SQLiteStore) SetManualService(ctx context.Context, id string, enabled bool) error {
	return s.updateContact(ctx, `UPDATE contacts SET is_manual_service = ? WHERE id = ?`, enabled, id)
}

func (s *SQLiteStore) updateContact(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating contact: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListContacts(ctx context.Context) ([]*Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contactColumns+` FROM contacts ORDER BY last_message_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning contact: %w", err)
		}
		contacts = append(contacts, contact)
	}
	return contacts, rows.Err()
}

// SaveMessage assigns ID and CreatedAt when unset.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, contact_id, content, sender_type, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.ContactID, msg.Content, string(msg.SenderType), formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountMessages(ctx context.Context, contactID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE contact_id = ?`, contactID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, contactID string, limit int) ([]*Message, error) {
	query := `
		SELECT id, contact_id, content, sender_type, created_at FROM (
			SELECT id, contact_id, content, sender_type, created_at, rowid AS seq
			FROM messages
			WHERE contact_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var sender, createdStr string
		if err := rows.Scan(&msg.ID, &msg.ContactID, &msg.Content, &sender, &createdStr); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.SenderType = SenderType(sender)
		if msg.CreatedAt, err = parseTime(createdStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) ListMenuOptions(ctx context.Context) ([]*MenuOption, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, sort_order FROM menu_options ORDER BY sort_order ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying menu options: %w", err)
	}
	defer rows.Close()

	var options []*MenuOption
	for rows.Next() {
		var option MenuOption
		if err := rows.Scan(&option.ID, &option.Title, &option.Order); err != nil {
			return nil, fmt.Errorf("scanning menu option: %w", err)
		}
		options = append(options, &option)
	}
	return options, rows.Err()
}

func (s *SQLiteStore) CreateMenuOption(ctx context.Context, option *MenuOption) error {
	if option.ID == "" {
		option.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO menu_options (id, title, sort_order) VALUES (?, ?, ?)`,
		option.ID, option.Title, option.Order)
	if err != nil {
		return fmt.Errorf("inserting menu option: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PromptForOption(ctx context.Context, menuOptionID string) (*Prompt, error) {
	var prompt Prompt
	err := s.db.QueryRowContext(ctx, `
		SELECT id, menu_option_id, content FROM prompts
		WHERE menu_option_id = ?
		ORDER BY rowid ASC
		LIMIT 1
	`, menuOptionID).Scan(&prompt.ID, &prompt.MenuOptionID, &prompt.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying prompt: %w", err)
	}
	return &prompt, nil
}

func (s *SQLiteStore) CreatePrompt(ctx context.Context, prompt *Prompt) error {
	if prompt.ID == "" {
		prompt.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO prompts (id, menu_option_id, content) VALUES (?, ?, ?)`,
		prompt.ID, prompt.MenuOptionID, prompt.Content)
	if err != nil {
		return fmt.Errorf("inserting prompt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertConnection(ctx context.Context, conn *Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	conn.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (id, is_connected, device_name, device_number, qr_code, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_connected = excluded.is_connected,
			device_name = excluded.device_name,
			device_number = excluded.device_number,
			qr_code = excluded.qr_code,
			updated_at = excluded.updated_at
	`, conn.ID, conn.Connected, nullString(conn.DeviceName), nullString(conn.DeviceNumber),
		nullString(conn.QRCode), formatTime(conn.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting connection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestConnection(ctx context.Context) (*Connection, error) {
	var conn Connection
	var name, number, qr sql.NullString
	var updatedStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, is_connected, device_name, device_number, qr_code, updated_at
		FROM connections
		ORDER BY updated_at DESC, rowid DESC
		LIMIT 1
	`).Scan(&conn.ID, &conn.Connected, &name, &number, &qr, &updatedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection: %w", err)
	}

	conn.DeviceName, conn.DeviceNumber, conn.QRCode = name.String, number.String, qr.String
	if conn.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conn, nil
}

// DeleteConnection is a no-op for unknown ids.
func (s *SQLiteStore) DeleteConnection(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	return nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

var _ Store = (*SQLiteStore)(nil)
