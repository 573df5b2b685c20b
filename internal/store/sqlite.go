package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/vacantcourt/backend/internal/models"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS facilities (
    id TEXT PRIMARY KEY,
    doc TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS notification_requests (
    id TEXT PRIMARY KEY,
    court_id TEXT NOT NULL,
    court_name TEXT NOT NULL DEFAULT '',
    user_id TEXT NOT NULL,
    user_email TEXT NOT NULL,
    requested_at TEXT NOT NULL,
    UNIQUE (user_id, court_id)
);

CREATE INDEX IF NOT EXISTS idx_notification_requests_court
    ON notification_requests(court_id);
`

// SQLiteStore keeps facilities as JSON documents and notification requests as
// rows; the UNIQUE (user_id, court_id) constraint enforces one active request
// per user and court.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:" gives
// a private in-memory database.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger.Named("sqlite-store")}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanRequest(row interface{ Scan(...any) error }) (*models.NotificationRequest, error) {
	var (
		req         models.NotificationRequest
		requestedAt string
	)
	if err := row.Scan(&req.ID, &req.CourtID, &req.CourtName, &req.UserID, &req.UserEmail, &requestedAt); err != nil {
		return nil, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, requestedAt); err == nil {
		req.RequestedAt = ts
	}
	return &req, nil
}

const requestColumns = `id, court_id, court_name, user_id, user_email, requested_at`

func (s *SQLiteStore) ListNotificationRequests(ctx context.Context) ([]models.NotificationRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM notification_requests ORDER BY requested_at`)
	if err != nil {
		return nil, fmt.Errorf("list notification requests: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification request: %w", err)
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateNotificationRequest(ctx context.Context, req models.NotificationRequest) (*models.NotificationRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, court_id) DO NOTHING`,
		req.ID, req.CourtID, req.CourtName, req.UserID, req.UserEmail, req.RequestedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert notification request: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrDuplicateRequest
	}
	return &req, nil
}

func (s *SQLiteStore) FindNotificationRequest(ctx context.Context, userID, courtID string) (*models.NotificationRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM notification_requests WHERE user_id = ? AND court_id = ?`,
		userID, courtID,
	)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find notification request: %w", err)
	}
	return req, nil
}

func (s *SQLiteStore) DeleteNotificationRequest(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notification_requests WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete notification request %s: %w", id, err)
	}
	return nil
}

func decodeFacility(id, doc string) (*models.Facility, error) {
	var f models.Facility
	if err := json.Unmarshal([]byte(doc), &f); err != nil {
		return nil, fmt.Errorf("decode facility %s: %w", id, err)
	}
	f.ID = id
	return &f, nil
}

func (s *SQLiteStore) GetFacility(ctx context.Context, id string) (*models.Facility, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM facilities WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get facility %s: %w", id, err)
	}
	return decodeFacility(id, doc)
}

func (s *SQLiteStore) ListFacilities(ctx context.Context) ([]models.Facility, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, doc FROM facilities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list facilities: %w", err)
	}
	defer rows.Close()

	var out []models.Facility
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("scan facility: %w", err)
		}
		f, err := decodeFacility(id, doc)
		if err != nil {
			s.logger.Warn("skipping undecodable facility", zap.String("facility_id", id), zap.Error(err))
			continue
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveFacility(ctx context.Context, f *models.Facility) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode facility: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO facilities (id, doc) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET doc = excluded.doc,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		f.ID, string(doc),
	)
	if err != nil {
		return fmt.Errorf("save facility %s: %w", f.ID, err)
	}
	return nil
}

// UpdateFacilityOwner rewrites only the ownerId field of the stored document.
func (s *SQLiteStore) UpdateFacilityOwner(ctx context.Context, id, ownerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE facilities
		SET doc = json_set(doc, '$.ownerId', ?),
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ?`,
		ownerID, id,
	)
	if err != nil {
		return fmt.Errorf("update facility owner %s: %w", id, err)
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

func (s *SQLiteStore) UpdateSubCourtStatus(ctx context.Context, facilityID, subCourtID, status string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM facilities WHERE id = ?`, facilityID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	f, err := decodeFacility(facilityID, doc)
	if err != nil {
		return err
	}
	if err := applySubCourtStatus(f, subCourtID, status, at); err != nil {
		return err
	}
	updated, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE facilities SET doc = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ?`, string(updated), facilityID); err != nil {
		return err
	}
	return tx.Commit()
}
