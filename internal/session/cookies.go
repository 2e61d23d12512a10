package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// CookieStore 持久化会话 Cookie。文件不存在不视为错误。
type CookieStore interface {
	Load() ([]string, error)
	Save(cookies []string) error
	Delete() error
}

// FileStore 以 JSON 字符串数组保存 Cookie。
type FileStore struct {
	path string
}

// NewFileStore 创建基于文件的 Cookie 存储。
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() ([]string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: 读取 Cookie 文件失败: %w", err)
	}

	var cookies []string
	if err := json.Unmarshal(raw, &cookies); err != nil {
		return nil, fmt.Errorf("session: 解析 Cookie 文件失败: %w", err)
	}
	return cookies, nil
}

// Save 先写临时文件再原子替换，避免进程中断留下半个文件。
func (s *FileStore) Save(cookies []string) error {
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("session: 创建目录 %q 失败: %w", dir, err)
		}
	}

	raw, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("session: 序列化 Cookie 失败: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("session: 写入 Cookie 文件失败: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("session: 替换 Cookie 文件失败: %w", err)
	}
	return nil
}

// Delete 删除 Cookie 文件，文件不存在时不报错。
func (s *FileStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("session: 删除 Cookie 文件失败: %w", err)
	}
	return nil
}

func cookieName(pair string) string {
	if idx := strings.IndexByte(pair, '='); idx >= 0 {
		return strings.TrimSpace(pair[:idx])
	}
	return strings.TrimSpace(pair)
}

// mergeCookies 同名覆盖，新名追加，保持原有顺序。
func mergeCookies(existing, incoming []string) []string {
	out := make([]string, len(existing), len(existing)+len(incoming))
	copy(out, existing)
	for _, in := range incoming {
		name := cookieName(in)
		if name == "" {
			continue
		}
		replaced := false
		for i, cur := range out {
			if cookieName(cur) == name {
				out[i] = in
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, in)
		}
	}
	return out
}
