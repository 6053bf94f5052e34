package mysql

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/HoodyNetwork/hoody-agent-server-sub001/deploy/migrations"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/pkg/logger"
)

// schemaTable 记录历史库已经应用的结构版本及文件摘要。
const schemaTable = "task_history_schema"

const createSchemaTable = `CREATE TABLE IF NOT EXISTS task_history_schema (
    version INT NOT NULL PRIMARY KEY,
    name VARCHAR(128) NOT NULL,
    checksum CHAR(64) NOT NULL,
    applied_at BIGINT NOT NULL
)`

type schemaChange struct {
	version    int
	name       string
	checksum   string
	statements []string
}

// runMigrations 按版本号顺序应用尚未执行的历史库结构变更。
// 已应用版本的文件内容发生变化时拒绝启动。
func (s *SQLHistoryRepository) runMigrations(ctx context.Context) error {
	changes, err := loadSchemaChanges(migrations.Files)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, createSchemaTable); err != nil {
		return fmt.Errorf("创建 %s 表失败: %w", schemaTable, err)
	}
	applied, err := s.appliedSchema(ctx)
	if err != nil {
		return err
	}

	known := make(map[int]struct{}, len(changes))
	for _, change := range changes {
		known[change.version] = struct{}{}
		checksum, ok := applied[change.version]
		if ok {
			if checksum != change.checksum {
				return fmt.Errorf("历史库版本 %d (%s) 已应用但文件内容已变化", change.version, change.name)
			}
			continue
		}
		if err := s.applySchemaChange(ctx, change); err != nil {
			return err
		}
	}
	for version := range applied {
		if _, ok := known[version]; !ok {
			logger.Named("storage").Warn("数据库中存在未知的历史库版本，可能由更新的程序写入", "version", version)
		}
	}
	return nil
}

func (s *SQLHistoryRepository) appliedSchema(ctx context.Context) (map[int]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, checksum FROM task_history_schema`)
	if err != nil {
		return nil, fmt.Errorf("查询 %s 失败: %w", schemaTable, err)
	}
	defer rows.Close()

	applied := make(map[int]string)
	for rows.Next() {
		var (
			version  int
			checksum string
		)
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("解析 %s 失败: %w", schemaTable, err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 %s 失败: %w", schemaTable, err)
	}
	return applied, nil
}

func (s *SQLHistoryRepository) applySchemaChange(ctx context.Context, change schemaChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	for _, stmt := range change.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("执行历史库版本 %d (%s) 失败: %w", change.version, change.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_history_schema (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
		change.version, change.name, change.checksum, time.Now().Unix()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("记录历史库版本失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	logger.Named("storage").Info("已应用历史库结构变更", "version", change.version, "name", change.name)
	return nil
}

// loadSchemaChanges 读取形如 0001_xxx.sql 的文件，版本号重复或无法解析时报错。
func loadSchemaChanges(fsys fs.FS) ([]schemaChange, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	seen := make(map[int]string, len(names))
	changes := make([]schemaChange, 0, len(names))
	for _, name := range names {
		version, err := schemaVersion(name)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("迁移文件 %s 与 %s 版本号重复", name, prev)
		}
		seen[version] = name

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		sum := sha256.Sum256(content)
		changes = append(changes, schemaChange{
			version:    version,
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].version < changes[j].version })
	return changes, nil
}

func schemaVersion(name string) (int, error) {
	base := strings.TrimSuffix(path.Base(name), ".sql")
	prefix, _, _ := strings.Cut(base, "_")
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, fmt.Errorf("迁移文件 %s 缺少数字版本前缀", name)
	}
	return version, nil
}

// splitStatements 去掉 -- 注释行后按分号切分语句。
func splitStatements(content string) []string {
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var statements []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}
