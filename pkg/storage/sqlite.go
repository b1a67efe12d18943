package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskforge/pkg/timing"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore 基于 SQLite 的回退存储，启用 WAL 以保证并发读写和持久性
type SQLiteStore struct {
	db    *sql.DB
	clock timing.TimeService
}

var _ FallbackStore = (*SQLiteStore)(nil)

// NewSQLiteStore 打开（必要时创建）数据库文件并执行迁移
func NewSQLiteStore(dbPath string, clock timing.TimeService) (*SQLiteStore, error) {
	if clock == nil {
		clock = &timing.SystemTimeService{}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// 单连接避免写锁竞争，同时让 :memory: 数据库在连接间保持一致
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, clock: clock}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return s, nil
}

// migrate 创建记录表
func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS records (
		endpoint TEXT NOT NULL,
		external_id TEXT NOT NULL,
		raw_payload BLOB NOT NULL,
		first_seen_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (endpoint, external_id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_first_seen ON records(endpoint, first_seen_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}
	return nil
}

// Persist 在一个事务内按 (endpoint, external_id) 执行 upsert，first_seen_at 只在插入时写入
func (s *SQLiteStore) Persist(ctx context.Context, endpoint string, records []PersistedRecord) error {
	if err := validate(endpoint, records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WrapStorageError("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (endpoint, external_id, raw_payload, first_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(endpoint, external_id) DO UPDATE SET
			raw_payload = excluded.raw_payload,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return WrapStorageError("prepare upsert", err)
	}
	defer stmt.Close()

	now := s.clock.Now().UnixNano()
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, endpoint, r.ExternalID, []byte(r.RawPayload), now, now); err != nil {
			return WrapStorageError(fmt.Sprintf("upsert %s", r.ExternalID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return WrapStorageError("commit", err)
	}
	return nil
}

// Recent 返回窗口内的记录，rowid 保持同批次内的写入顺序
func (s *SQLiteStore) Recent(ctx context.Context, endpoint string, window time.Duration) ([]PersistedRecord, error) {
	since := s.clock.Now().Add(-window).UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_id, raw_payload, first_seen_at, updated_at
		FROM records
		WHERE endpoint = ? AND first_seen_at >= ?
		ORDER BY first_seen_at DESC, rowid ASC
	`, endpoint, since)
	if err != nil {
		return nil, WrapStorageError("query recent records", err)
	}
	defer rows.Close()

	out := make([]PersistedRecord, 0)
	for rows.Next() {
		var (
			r                    PersistedRecord
			payload              []byte
			firstSeen, updatedAt int64
		)
		if err := rows.Scan(&r.ExternalID, &payload, &firstSeen, &updatedAt); err != nil {
			return nil, WrapStorageError("scan record", err)
		}
		r.Endpoint = endpoint
		r.RawPayload = payload
		r.FirstSeenAt = time.Unix(0, firstSeen).UTC()
		r.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapStorageError("iterate records", err)
	}
	return out, nil
}

// Count 返回端点的记录数
func (s *SQLiteStore) Count(ctx context.Context, endpoint string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE endpoint = ?`, endpoint).Scan(&n); err != nil {
		return 0, WrapStorageError("count records", err)
	}
	return n, nil
}

// Ping 检查数据库连接
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
