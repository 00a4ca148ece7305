// Package state はスケジュールのスナップショットをYAMLファイルに保存する
package state

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Schedule は保存対象の1スケジュール分の状態
type Schedule struct {
	ID           string    `yaml:"id,omitempty"`
	NextDeadline time.Time `yaml:"next_deadline"`
	CurrentRun   int       `yaml:"current_run"`
	TotalRuns    int       `yaml:"total_runs"`
	Period       string    `yaml:"period"`
	Command      string    `yaml:"command,omitempty"`
}

// PeriodDuration は Period を time.Duration に変換する
func (s Schedule) PeriodDuration() (time.Duration, error) {
	if s.Period == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Period)
	if err != nil {
		return 0, fmt.Errorf("無効な周期 %q: %w", s.Period, err)
	}
	return d, nil
}

// Snapshot は中断時に保存し再開時に読み込む状態
type Snapshot struct {
	PreviewImage string     `yaml:"preview_image,omitempty"` // base64
	FrameCount   int        `yaml:"frame_count"`
	DelaySeconds int        `yaml:"delay_seconds"`
	Schedules    []Schedule `yaml:"schedules,omitempty"`
	SavedAt      time.Time  `yaml:"saved_at"`
}

// SetPreview はプレビュー画像をbase64で格納する
func (s *Snapshot) SetPreview(data []byte) {
	if len(data) == 0 {
		s.PreviewImage = ""
		return
	}
	s.PreviewImage = base64.StdEncoding.EncodeToString(data)
}

// Preview は格納されたプレビュー画像を返す
func (s *Snapshot) Preview() ([]byte, error) {
	if s.PreviewImage == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(s.PreviewImage)
	if err != nil {
		return nil, fmt.Errorf("プレビューのデコードに失敗: %w", err)
	}
	return data, nil
}

// Store はスナップショットの読み書きを行う
type Store interface {
	Load() (*Snapshot, error)
	Save(snap *Snapshot) error
}

// FileStore はYAMLファイルに保存するStore
type FileStore struct {
	path string
}

// NewFileStore は path に保存するFileStoreを作成する
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path は保存先のパスを返す
func (s *FileStore) Path() string {
	return s.path
}

// Load はスナップショットを読み込む。ファイルが無い場合は空のスナップショットを返す
func (s *FileStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("状態ファイルの読み込みに失敗: %w", err)
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("状態ファイルの解析に失敗: %w", err)
	}
	return &snap, nil
}

// Save はスナップショットを一時ファイル経由で書き込む
func (s *FileStore) Save(snap *Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("状態のシリアライズに失敗: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("状態ディレクトリの作成に失敗: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("一時ファイルの書き込みに失敗: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("状態ファイルの置き換えに失敗: %w", err)
	}
	return nil
}
