package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	xerrors "github.com/HoodyNetwork/hoody-agent-server-sub001/internal/errors"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/storage"
)

// Config 描述 MySQL 连接池参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// SQLHistoryRepository 使用 MySQL 存储任务历史。
type SQLHistoryRepository struct {
	db *sql.DB
}

var _ storage.Repository = (*SQLHistoryRepository)(nil)

const selectHistoryColumns = `SELECT id, task_id, goal, message, thought, reply, state, error, steps, created_at, finished_at
    FROM task_history`

// NewSQLHistoryRepository 创建连接池并执行内置迁移。
func NewSQLHistoryRepository(ctx context.Context, cfg Config) (*SQLHistoryRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &SQLHistoryRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// Save 将历史记录写入 MySQL 并回填自增 ID。
func (s *SQLHistoryRepository) Save(ctx context.Context, record *storage.Record) error {
	const stmt = `INSERT INTO task_history
    (task_id, goal, message, thought, reply, state, error, steps, created_at, finished_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, stmt,
		record.TaskID,
		record.Goal,
		record.Message,
		record.Thought,
		record.Reply,
		record.State,
		record.Error,
		record.Steps,
		record.CreatedAt,
		record.FinishedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务历史失败")
	}
	if id, err := result.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// ListLatest 查询最近的若干条历史记录。
func (s *SQLHistoryRepository) ListLatest(ctx context.Context, limit int) ([]storage.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectHistoryColumns+`
    ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务历史失败")
	}
	return scanRecords(rows)
}

// ListByTask 查询指定任务的历史记录。
func (s *SQLHistoryRepository) ListByTask(ctx context.Context, taskID string, limit int) ([]storage.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectHistoryColumns+`
    WHERE task_id = ? ORDER BY finished_at DESC, id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务历史失败")
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]storage.Record, error) {
	defer rows.Close()

	var records []storage.Record
	for rows.Next() {
		var record storage.Record
		if err := rows.Scan(
			&record.ID,
			&record.TaskID,
			&record.Goal,
			&record.Message,
			&record.Thought,
			&record.Reply,
			&record.State,
			&record.Error,
			&record.Steps,
			&record.CreatedAt,
			&record.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("解析任务历史失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历任务历史失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLHistoryRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
