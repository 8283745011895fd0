package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"backcast/internal/market"

	_ "modernc.org/sqlite"
)

// Meta 记录某个 SeriesKey 在库中的统计信息，回答覆盖类问题时免全表扫描。
type Meta struct {
	Key        market.SeriesKey `json:"key"`
	MinTS      int64            `json:"min_ts"`
	MaxTS      int64            `json:"max_ts"`
	Rows       int64            `json:"rows"`
	LastSyncAt int64            `json:"last_sync_at"`
}

// SQLiteBackend 是嵌入式存储实现：单个宽表 + 元数据表，工作集放不进
// 内存或需要跨运行持久化时启用。外部工具可以直接查库做诊断，
// 但表结构不构成兼容性承诺。
type SQLiteBackend struct {
	mu        sync.Mutex
	db        *sql.DB
	path      string
	batchSize int
}

// NewSQLiteBackend 在 root 下打开（必要时创建）bars.db。
// batchSize 限定批量写入的分块大小，<=0 时取 500。
func NewSQLiteBackend(root string, batchSize int) (*SQLiteBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("data root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	path := filepath.Join(root, "bars.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureBarSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteBackend{db: db, path: path, batchSize: batchSize}, nil
}

func ensureBarSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			asset    TEXT NOT NULL,
			quote    TEXT NOT NULL,
			timestep TEXT NOT NULL,
			ts       INTEGER NOT NULL,
			open     REAL NOT NULL,
			high     REAL NOT NULL,
			low      REAL NOT NULL,
			close    REAL NOT NULL,
			volume   REAL NOT NULL,
			PRIMARY KEY (asset, quote, timestep, ts)
		);`,
		`CREATE TABLE IF NOT EXISTS series_meta (
			asset        TEXT NOT NULL,
			quote        TEXT NOT NULL,
			timestep     TEXT NOT NULL,
			min_ts       INTEGER,
			max_ts       INTEGER,
			rows         INTEGER DEFAULT 0,
			last_sync_at INTEGER,
			PRIMARY KEY (asset, quote, timestep)
		);`,
		`CREATE TABLE IF NOT EXISTS repairs (
			asset    TEXT NOT NULL,
			quote    TEXT NOT NULL,
			timestep TEXT NOT NULL,
			calendar TEXT NOT NULL,
			done_at  INTEGER NOT NULL,
			PRIMARY KEY (asset, quote, timestep, calendar)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteBackend) Path() string { return s.path }

func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Store 在单个事务里分块写入；任何一块失败整批回滚，
// 不会留下"部分落库但看不出来"的半成品序列。
func (s *SQLiteBackend) Store(ctx context.Context, key market.SeriesKey, bars []market.Bar, upsert bool) error {
	if len(bars) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.insertChunked(ctx, tx, key, bars, upsert); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := refreshMeta(ctx, tx, key); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteBackend) insertChunked(ctx context.Context, tx *sql.Tx, key market.SeriesKey, bars []market.Bar, upsert bool) error {
	query := `
		INSERT INTO bars (asset, quote, timestep, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset, quote, timestep, ts) DO NOTHING`
	if upsert {
		query = `
		INSERT INTO bars (asset, quote, timestep, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset, quote, timestep, ts) DO UPDATE SET
			open=excluded.open, high=excluded.high, low=excluded.low,
			close=excluded.close, volume=excluded.volume`
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for chunk := 0; chunk < len(bars); chunk += s.batchSize {
		end := chunk + s.batchSize
		if end > len(bars) {
			end = len(bars)
		}
		for _, b := range bars[chunk:end] {
			res, err := stmt.ExecContext(ctx, key.Asset, key.Quote, key.Timestep,
				b.TS, b.Open, b.High, b.Low, b.Close, b.Volume)
			if err != nil {
				return err
			}
			if upsert {
				continue
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				// 冲突行：行情一致则幂等跳过，不一致则整批拒绝
				existing, ok, err := scanBarTx(ctx, tx, key, b.TS)
				if err != nil {
					return err
				}
				if ok && !existing.SameValues(b) {
					return &market.DuplicateTimestampError{Key: key, TS: b.TS}
				}
			}
		}
	}
	return nil
}

func scanBarTx(ctx context.Context, tx *sql.Tx, key market.SeriesKey, ts int64) (market.Bar, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT ts, open, high, low, close, volume FROM bars
		WHERE asset=? AND quote=? AND timestep=? AND ts=?`,
		key.Asset, key.Quote, key.Timestep, ts)
	b := market.Bar{AssetID: key.Asset, QuoteID: key.Quote}
	if err := row.Scan(&b.TS, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
		if err == sql.ErrNoRows {
			return market.Bar{}, false, nil
		}
		return market.Bar{}, false, err
	}
	return b, true, nil
}

func refreshMeta(ctx context.Context, tx *sql.Tx, key market.SeriesKey) error {
	now := time.Now().UnixMilli()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO series_meta (asset, quote, timestep, min_ts, max_ts, rows, last_sync_at)
		SELECT ?, ?, ?, COALESCE(MIN(ts),0), COALESCE(MAX(ts),0), COUNT(1), ?
		FROM bars WHERE asset=? AND quote=? AND timestep=?
		ON CONFLICT(asset, quote, timestep) DO UPDATE SET
			min_ts=excluded.min_ts, max_ts=excluded.max_ts,
			rows=excluded.rows, last_sync_at=excluded.last_sync_at`,
		key.Asset, key.Quote, key.Timestep, now,
		key.Asset, key.Quote, key.Timestep)
	return err
}

// QueryAsOf 用唯一的查询形态：ts<=cutoff 按降序取 length 根再反转。
func (s *SQLiteBackend) QueryAsOf(ctx context.Context, key market.SeriesKey, cutoff int64, length int) ([]market.Bar, error) {
	if length <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume FROM bars
		WHERE asset=? AND quote=? AND timestep=? AND ts<=?
		ORDER BY ts DESC LIMIT ?`,
		key.Asset, key.Quote, key.Timestep, cutoff, length)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []market.Bar
	for rows.Next() {
		b := market.Bar{AssetID: key.Asset, QuoteID: key.Quote}
		if err := rows.Scan(&b.TS, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		list = append(list, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list, nil
}

func (s *SQLiteBackend) LastAsOf(ctx context.Context, key market.SeriesKey, cutoff int64) (market.Bar, bool, error) {
	list, err := s.QueryAsOf(ctx, key, cutoff, 1)
	if err != nil {
		return market.Bar{}, false, err
	}
	if len(list) == 0 {
		return market.Bar{}, false, nil
	}
	return list[0], true, nil
}

// Attach 做一次性的日历修复并持久化标记，重开库后不会重复修。
func (s *SQLiteBackend) Attach(ctx context.Context, key market.SeriesKey, cal *market.Calendar, step market.Timestep) error {
	if cal == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var done int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM repairs WHERE asset=? AND quote=? AND timestep=? AND calendar=?`,
		key.Asset, key.Quote, key.Timestep, cal.Name).Scan(&done)
	if err != nil {
		return err
	}
	if done > 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume FROM bars
		WHERE asset=? AND quote=? AND timestep=? ORDER BY ts ASC`,
		key.Asset, key.Quote, key.Timestep)
	if err != nil {
		return err
	}
	var raw []market.Bar
	for rows.Next() {
		b := market.Bar{AssetID: key.Asset, QuoteID: key.Quote}
		if err := rows.Scan(&b.TS, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			rows.Close()
			return err
		}
		raw = append(raw, b)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	series := market.NewSeries(key)
	if err := series.Merge(raw, true); err != nil {
		return err
	}
	series.Repair(cal, step)
	repaired := series.All()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bars WHERE asset=? AND quote=? AND timestep=?`,
		key.Asset, key.Quote, key.Timestep); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := s.insertChunked(ctx, tx, key, repaired, true); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO repairs (asset, quote, timestep, calendar, done_at) VALUES (?, ?, ?, ?, ?)`,
		key.Asset, key.Quote, key.Timestep, cal.Name, time.Now().UnixMilli()); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := refreshMeta(ctx, tx, key); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteBackend) Drop(ctx context.Context, key market.SeriesKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM bars WHERE asset=? AND quote=? AND timestep=?`,
		`DELETE FROM series_meta WHERE asset=? AND quote=? AND timestep=?`,
		`DELETE FROM repairs WHERE asset=? AND quote=? AND timestep=?`,
	} {
		if _, err := tx.ExecContext(ctx, q, key.Asset, key.Quote, key.Timestep); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// MetaFor 读取 key 的统计信息（诊断查询走元数据表，不扫宽表）。
func (s *SQLiteBackend) MetaFor(ctx context.Context, key market.SeriesKey) (Meta, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT min_ts, max_ts, rows, last_sync_at FROM series_meta
		WHERE asset=? AND quote=? AND timestep=?`,
		key.Asset, key.Quote, key.Timestep)
	m := Meta{Key: key}
	if err := row.Scan(&m.MinTS, &m.MaxTS, &m.Rows, &m.LastSyncAt); err != nil {
		if err == sql.ErrNoRows {
			return Meta{}, false, nil
		}
		return Meta{}, false, err
	}
	return m, true, nil
}
