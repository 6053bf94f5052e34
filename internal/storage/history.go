package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/HoodyNetwork/hoody-agent-server-sub001/pkg/logger"
)

// Record 是一次任务执行结束后落库的历史记录。
type Record struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"taskId"`
	Goal       string `json:"goal"`
	Message    string `json:"message,omitempty"`
	Thought    string `json:"thought,omitempty"`
	Reply      string `json:"reply,omitempty"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
	Steps      int    `json:"steps"`
	CreatedAt  int64  `json:"createdAt"`
	FinishedAt int64  `json:"finishedAt"`
}

// Repository 抽象任务历史的持久化接口。
type Repository interface {
	Save(ctx context.Context, record *Record) error
	ListLatest(ctx context.Context, limit int) ([]Record, error)
	ListByTask(ctx context.Context, taskID string, limit int) ([]Record, error)
}

// ErrUnsupportedDriver 表示配置了未知的存储驱动。
var ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")

// maxCachedRecords 是内存中保留的最大记录数。
const maxCachedRecords = 512

// MaxRecordBytes 是从历史日志恢复时单条记录的长度上限。
var MaxRecordBytes = 16 << 20

// MemoryRepository 以追加写的 JSON 行文件保存历史，内存中保留最近的记录。
type MemoryRepository struct {
	mu       sync.RWMutex
	dataFile string
	nextID   int64
	records  []Record
}

// NewMemoryRepository 创建文件支撑的历史仓库，dataDir 为空时仅保存在内存中。
func NewMemoryRepository(dataDir string) (*MemoryRepository, error) {
	repo := &MemoryRepository{}
	if dataDir == "" {
		return repo, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo.dataFile = filepath.Join(dataDir, "history.log")
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录任务结果，并为记录分配 ID。
func (m *MemoryRepository) Save(_ context.Context, record *Record) error {
	if record == nil {
		return errors.New("历史记录不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	record.ID = m.nextID

	if m.dataFile != "" {
		encoded, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("序列化历史记录失败: %w", err)
		}
		file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("打开历史日志失败: %w", err)
		}
		defer file.Close()
		if _, err := file.Write(append(encoded, '\n')); err != nil {
			return fmt.Errorf("写入历史日志失败: %w", err)
		}
	}

	m.records = append([]Record{*record}, m.records...)
	if len(m.records) > maxCachedRecords {
		m.records = m.records[:maxCachedRecords]
	}
	return nil
}

// ListLatest 返回最近的历史记录，按时间倒序排列。
func (m *MemoryRepository) ListLatest(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]Record, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// ListByTask 返回指定任务最近的历史记录。
func (m *MemoryRepository) ListByTask(_ context.Context, taskID string, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []Record
	for _, record := range m.records {
		if record.TaskID != taskID {
			continue
		}
		results = append(results, record)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (m *MemoryRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取历史日志失败: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var restored []Record
	for lineNo := 1; ; lineNo++ {
		line, tooLong, err := readRecordLine(reader, MaxRecordBytes)
		if len(line) > 0 || tooLong {
			switch {
			case tooLong:
				logger.Named("storage").Warn("历史记录超过长度上限，已跳过", "file", m.dataFile, "line", lineNo, "limit", MaxRecordBytes)
			default:
				var record Record
				if jsonErr := json.Unmarshal(line, &record); jsonErr != nil {
					logger.Named("storage").Warn("历史记录无法解析，已跳过", "file", m.dataFile, "line", lineNo, "error", jsonErr)
					break
				}
				if record.ID > m.nextID {
					m.nextID = record.ID
				}
				restored = append([]Record{record}, restored...)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("解析历史日志失败: %w", err)
		}
	}

	if len(restored) > maxCachedRecords {
		restored = restored[:maxCachedRecords]
	}
	m.records = restored
	return nil
}

// readRecordLine 读取一行，超过 limit 的部分直接丢弃并返回 tooLong。
func readRecordLine(r *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		chunk, readErr := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(readErr, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimSpace(line), tooLong, readErr
	}
}
