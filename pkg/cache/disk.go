package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DiskBackendConfig 磁盘缓存配置
type DiskBackendConfig struct {
	BaseDir    string `mapstructure:"base_dir"`    // 缓存文件基础目录
	FilePrefix string `mapstructure:"file_prefix"` // 缓存子目录名
}

// DiskBackend 磁盘缓存后端，每个键一个 JSON 文件，写入经临时文件再重命名。
// 读取总是直接读文件，同一目录上的多个进程能看到彼此写入的条目；
// metadata.json 只做记录，不参与命中判断。
type DiskBackend struct {
	mu       sync.Mutex
	cacheDir string
	closed   bool
}

// DiskEntry 元数据中记录的单个条目
type DiskEntry struct {
	Key       string    `json:"key"`
	File      string    `json:"file"`
	Size      int64     `json:"size"`
	WrittenAt time.Time `json:"written_at"`
}

var _ Backend = (*DiskBackend)(nil)

// NewDiskBackend 创建磁盘缓存后端
func NewDiskBackend(config DiskBackendConfig) (*DiskBackend, error) {
	if config.BaseDir == "" {
		config.BaseDir = os.TempDir()
	}
	if config.FilePrefix == "" {
		config.FilePrefix = "taskforge_cache"
	}

	cacheDir := filepath.Join(config.BaseDir, config.FilePrefix)
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}
	return &DiskBackend{cacheDir: cacheDir}, nil
}

// Get 从磁盘读取数据，文件不存在按未命中处理
func (d *DiskBackend) Get(ctx context.Context, key string) ([]byte, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrCacheIsClosed
	}

	data, err := os.ReadFile(filepath.Join(d.cacheDir, fileNameFor(key)))
	if os.IsNotExist(err) {
		return nil, ErrCacheMissNotFound
	}
	if err != nil {
		return nil, WrapCacheError(ErrCacheBackend, "读取缓存文件失败", err)
	}
	return data, nil
}

// Set 写入数据，同一个键始终落在同一个文件上
func (d *DiskBackend) Set(ctx context.Context, key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrCacheIsClosed
	}

	file := fileNameFor(key)
	if err := writeAtomic(filepath.Join(d.cacheDir, file), value); err != nil {
		return WrapCacheError(ErrCacheBackend, "写入缓存文件失败", err)
	}
	return d.updateMetadataLocked(key, &DiskEntry{
		Key:       key,
		File:      file,
		Size:      int64(len(value)),
		WrittenAt: time.Now(),
	})
}

// Delete 删除键对应的文件，不存在时不报错
func (d *DiskBackend) Delete(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrCacheIsClosed
	}
	if err := os.Remove(filepath.Join(d.cacheDir, fileNameFor(key))); err != nil && !os.IsNotExist(err) {
		return WrapCacheError(ErrCacheBackend, "删除缓存文件失败", err)
	}
	return d.updateMetadataLocked(key, nil)
}

// Name 返回后端名称
func (d *DiskBackend) Name() string {
	return "disk"
}

// Close 关闭后端
func (d *DiskBackend) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Entries 返回元数据中记录的条目，文件已不存在的条目被忽略
func (d *DiskBackend) Entries() (map[string]DiskEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadMetadataLocked()
}

// loadMetadataLocked 读取磁盘上最新的元数据，丢弃文件已不存在的条目
func (d *DiskBackend) loadMetadataLocked() (map[string]DiskEntry, error) {
	entries := make(map[string]DiskEntry)
	data, err := os.ReadFile(filepath.Join(d.cacheDir, "metadata.json"))
	if os.IsNotExist(err) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取元数据文件失败: %w", err)
	}

	var stored map[string]DiskEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		// 元数据只做记录，损坏时从头开始
		return entries, nil
	}
	for key, entry := range stored {
		if _, err := os.Stat(filepath.Join(d.cacheDir, entry.File)); err == nil {
			entries[key] = entry
		}
	}
	return entries, nil
}

// updateMetadataLocked 在磁盘上最新的元数据上只改动一个键再写回，
// 不覆盖其他进程记录的条目。entry 为 nil 表示删除。
func (d *DiskBackend) updateMetadataLocked(key string, entry *DiskEntry) error {
	entries, err := d.loadMetadataLocked()
	if err != nil {
		return WrapCacheError(ErrCacheBackend, "读取缓存元数据失败", err)
	}
	if entry == nil {
		delete(entries, key)
	} else {
		entries[key] = *entry
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return WrapCacheError(ErrCacheBackend, "序列化元数据失败", err)
	}
	if err := writeAtomic(filepath.Join(d.cacheDir, "metadata.json"), data); err != nil {
		return WrapCacheError(ErrCacheBackend, "写入缓存元数据失败", err)
	}
	return nil
}

// writeAtomic 先写临时文件再重命名。临时文件名带随机后缀，多个进程同时写同一个文件也不会互相截断。
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tempFile := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempFile)
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("重命名文件失败: %w", err)
	}
	return nil
}

func fileNameFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8]) + ".json"
}
