package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/lovelines/pkg/models"
)

// dialect captures the differences between the SQL backends. Queries are
// written with ? placeholders and rebound for numbered-placeholder drivers.
type dialect struct {
	name        string
	numbered    bool
	schema      []string
	isDuplicate func(error) bool
	// rowLock is appended to a SELECT that precedes an UPDATE in one transaction.
	rowLock string
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlDB is the connection shared by every SQL-backed store of one StoreSet.
type sqlDB struct {
	db      *sql.DB
	dialect dialect
}

func (s *sqlDB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *sqlDB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *sqlDB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// Migrate creates the tables if they do not exist.
func (s *sqlDB) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect.name, err)
		}
	}
	return nil
}

func newSQLStores(db *sql.DB, d dialect) StoreSet {
	base := &sqlDB{db: db, dialect: d}
	return StoreSet{
		Channels:      &sqlChannelStore{sqlDB: base},
		Notifications: &sqlNotificationStore{sqlDB: base},
		Sessions:      &sqlSessionStore{sqlDB: base},
		Users:         &sqlUserStore{sqlDB: base},
		Admins:        &sqlAdminStore{sqlDB: base},
		closer:        db.Close,
		migrate:       base.Migrate,
	}
}

// channelPayload is the JSON stored in the config column.
type channelPayload struct {
	AllowFrom        []string `json:"allow_from,omitempty"`
	BotToken         string   `json:"bot_token,omitempty"`
	ChatID           string   `json:"chat_id,omitempty"`
	DiscordUserID    string   `json:"discord_user_id,omitempty"`
	DiscordChannelID string   `json:"discord_channel_id,omitempty"`
	PhoneNumber      string   `json:"phone_number,omitempty"`
	QRCode           string   `json:"qr_code,omitempty"`
}

func encodeChannelPayload(cfg *models.ChannelConfig) ([]byte, error) {
	payload, err := json.Marshal(channelPayload{
		AllowFrom:        cfg.AllowFrom,
		BotToken:         cfg.BotToken,
		ChatID:           cfg.ChatID,
		DiscordUserID:    cfg.DiscordUserID,
		DiscordChannelID: cfg.DiscordChannelID,
		PhoneNumber:      cfg.PhoneNumber,
		QRCode:           cfg.QRCode,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal channel config: %w", err)
	}
	return payload, nil
}

func decodeChannelPayload(raw []byte, cfg *models.ChannelConfig) error {
	if len(raw) == 0 {
		return nil
	}
	var p channelPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("unmarshal channel config: %w", err)
	}
	cfg.AllowFrom = p.AllowFrom
	cfg.BotToken = p.BotToken
	cfg.ChatID = p.ChatID
	cfg.DiscordUserID = p.DiscordUserID
	cfg.DiscordChannelID = p.DiscordChannelID
	cfg.PhoneNumber = p.PhoneNumber
	cfg.QRCode = p.QRCode
	return nil
}

type sqlChannelStore struct {
	*sqlDB
}

const channelColumns = `id, user_id, platform, enabled, config, created_at, updated_at`

func (s *sqlChannelStore) List(ctx context.Context, filter Filter) ([]*models.ChannelConfig, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, string(filter.Platform))
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	var queryBuilder strings.Builder
	queryBuilder.WriteString("SELECT " + channelColumns + " FROM messaging_channels")
	if len(where) > 0 {
		queryBuilder.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	queryBuilder.WriteString(" ORDER BY created_at ASC")

	rows, err := s.query(ctx, queryBuilder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	out := []*models.ChannelConfig{}
	for rows.Next() {
		cfg, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*models.ChannelConfig, error) {
	var cfg models.ChannelConfig
	var platform string
	var raw []byte
	if err := row.Scan(&cfg.ID, &cfg.UserID, &platform, &cfg.Enabled, &raw, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	cfg.Platform = models.Platform(platform)
	if err := decodeChannelPayload(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *sqlChannelStore) Get(ctx context.Context, id string) (*models.ChannelConfig, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	return scanChannel(s.queryRow(ctx, "SELECT "+channelColumns+" FROM messaging_channels WHERE id = ?", id))
}

func (s *sqlChannelStore) Create(ctx context.Context, cfg *models.ChannelConfig) error {
	if err := ValidateChannelConfig(cfg); err != nil {
		return err
	}
	payload, err := encodeChannelPayload(cfg)
	if err != nil {
		return err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	_, err = s.exec(ctx,
		`INSERT INTO messaging_channels (`+channelColumns+`) VALUES (?,?,?,?,?,?,?)`,
		cfg.ID, cfg.UserID, string(cfg.Platform), cfg.Enabled, payload, cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

func (s *sqlChannelStore) Update(ctx context.Context, cfg *models.ChannelConfig) error {
	if cfg == nil || cfg.ID == "" {
		return fmt.Errorf("channel config is required")
	}
	if err := ValidateChannelConfig(cfg); err != nil {
		return err
	}
	payload, err := encodeChannelPayload(cfg)
	if err != nil {
		return err
	}
	cfg.UpdatedAt = time.Now().UTC()

	res, err := s.exec(ctx,
		`UPDATE messaging_channels SET enabled = ?, config = ?, updated_at = ? WHERE id = ?`,
		cfg.Enabled, payload, cfg.UpdatedAt, cfg.ID,
	)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	return requireAffected(res)
}

func (s *sqlChannelStore) Modify(ctx context.Context, id string, fn func(*models.ChannelConfig) error) (*models.ChannelConfig, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("modify channel: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cfg, err := scanChannel(tx.QueryRowContext(ctx,
		s.dialect.rebind("SELECT "+channelColumns+" FROM messaging_channels WHERE id = ?"+s.dialect.rowLock), id))
	if err != nil {
		return nil, err
	}
	if err := fn(cfg); err != nil {
		return nil, err
	}
	cfg.ID = id
	if err := ValidateChannelConfig(cfg); err != nil {
		return nil, err
	}
	payload, err := encodeChannelPayload(cfg)
	if err != nil {
		return nil, err
	}
	cfg.UpdatedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx,
		s.dialect.rebind(`UPDATE messaging_channels SET enabled = ?, config = ?, updated_at = ? WHERE id = ?`),
		cfg.Enabled, payload, cfg.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("modify channel: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("modify channel: %w", err)
	}
	return cfg, nil
}

func (s *sqlChannelStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	res, err := s.exec(ctx, `DELETE FROM messaging_channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type sqlNotificationStore struct {
	*sqlDB
}

func (s *sqlNotificationStore) Create(ctx context.Context, n *models.Notification) error {
	if n == nil {
		return fmt.Errorf("notification is required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	_, err := s.exec(ctx,
		`INSERT INTO messaging_notifications (id, user_id, platform, type, content, status, error, error_type, sent_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		n.ID, n.UserID, string(n.Platform), string(n.Type), n.Content, string(n.Status), n.Error, n.ErrorType, n.SentAt,
	)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func (s *sqlNotificationStore) List(ctx context.Context, filter Filter, limit int) ([]*models.Notification, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, string(filter.Platform))
	}

	var queryBuilder strings.Builder
	queryBuilder.WriteString(`SELECT id, user_id, platform, type, content, status, error, error_type, sent_at
		FROM messaging_notifications`)
	if len(where) > 0 {
		queryBuilder.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	queryBuilder.WriteString(" ORDER BY sent_at DESC")
	if limit > 0 {
		args = append(args, limit)
		queryBuilder.WriteString(" LIMIT ?")
	}

	rows, err := s.query(ctx, queryBuilder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := []*models.Notification{}
	for rows.Next() {
		var n models.Notification
		var platform, typ, status string
		if err := rows.Scan(&n.ID, &n.UserID, &platform, &typ, &n.Content, &status, &n.Error, &n.ErrorType, &n.SentAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Platform = models.Platform(platform)
		n.Type = models.Direction(typ)
		n.Status = models.NotificationStatus(status)
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

type sqlSessionStore struct {
	*sqlDB
}

const sessionColumns = `id, user_id, session_data, compressed, phone_number, last_active, size_bytes, metadata`

func scanSession(row rowScanner) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	var meta []byte
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.SessionData, &rec.Compressed, &rec.PhoneNumber, &rec.LastActive, &rec.SizeBytes, &meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	return &rec, nil
}

func (s *sqlSessionStore) Get(ctx context.Context, userID string) (*models.SessionRecord, error) {
	if userID == "" {
		return nil, ErrNotFound
	}
	return scanSession(s.queryRow(ctx, "SELECT "+sessionColumns+" FROM whatsapp_sessions WHERE user_id = ?", userID))
}

func (s *sqlSessionStore) Upsert(ctx context.Context, rec *models.SessionRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("session record is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO whatsapp_sessions (`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   session_data = excluded.session_data,
		   compressed = excluded.compressed,
		   phone_number = excluded.phone_number,
		   last_active = excluded.last_active,
		   size_bytes = excluded.size_bytes,
		   metadata = excluded.metadata`,
		rec.ID, rec.UserID, rec.SessionData, rec.Compressed, rec.PhoneNumber, rec.LastActive.UTC(), rec.SizeBytes, meta,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *sqlSessionStore) Delete(ctx context.Context, userID string) error {
	res, err := s.exec(ctx, `DELETE FROM whatsapp_sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireAffected(res)
}

func (s *sqlSessionStore) Touch(ctx context.Context, userID string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE whatsapp_sessions SET last_active = ? WHERE user_id = ?`, at.UTC(), userID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return requireAffected(res)
}

func (s *sqlSessionStore) ListInactiveSince(ctx context.Context, cutoff time.Time) ([]*models.SessionRecord, error) {
	rows, err := s.query(ctx, "SELECT "+sessionColumns+" FROM whatsapp_sessions WHERE last_active < ?", cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list inactive sessions: %w", err)
	}
	defer rows.Close()

	out := []*models.SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list inactive sessions: %w", err)
	}
	return out, nil
}

type sqlUserStore struct {
	*sqlDB
}

func (s *sqlUserStore) Tier(ctx context.Context, userID string) (models.Tier, error) {
	var tier string
	err := s.queryRow(ctx, `SELECT tier FROM users WHERE id = ?`, userID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TierFree, nil
	}
	if err != nil {
		return "", fmt.Errorf("get user tier: %w", err)
	}
	return models.ParseTier(tier), nil
}

func (s *sqlUserStore) SetTier(ctx context.Context, userID string, tier models.Tier) error {
	_, err := s.exec(ctx,
		`INSERT INTO users (id, tier) VALUES (?,?) ON CONFLICT (id) DO UPDATE SET tier = excluded.tier`,
		userID, string(models.ParseTier(string(tier))),
	)
	if err != nil {
		return fmt.Errorf("set user tier: %w", err)
	}
	return nil
}

type sqlAdminStore struct {
	*sqlDB
}

func (s *sqlAdminStore) AuthWithPassword(ctx context.Context, email, password string) error {
	var hash []byte
	err := s.queryRow(ctx, `SELECT password_hash FROM admins WHERE email = ?`, normalizeEmail(email)).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("load admin: %w", err)
	}
	return checkPassword(hash, password)
}

func (s *sqlAdminStore) SetPassword(ctx context.Context, email, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO admins (email, password_hash) VALUES (?,?)
		 ON CONFLICT (email) DO UPDATE SET password_hash = excluded.password_hash`,
		normalizeEmail(email), hash,
	)
	if err != nil {
		return fmt.Errorf("set admin password: %w", err)
	}
	return nil
}
