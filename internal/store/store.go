// Package store persists download progress in a local sqlite database so an
// interrupted viewing session can resume without re-fetching every chunk.
package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/streamcast-p2p/streamcast/internal/protocol"
)

type File struct {
	ID          uint `gorm:"primaryKey"`
	Name        string
	Size        int64
	MimeType    string
	Hash        string `gorm:"uniqueIndex"`
	TotalChunks int
	Duration    float64
	CreatedAt   int64
}

type Chunk struct {
	ID     uint `gorm:"primaryKey"`
	FileID uint `gorm:"not null;index:idx_file_chunk,unique;constraint:OnDelete:CASCADE"`
	File   File `gorm:"constraint:OnDelete:CASCADE"`
	Index  int  `gorm:"not null;index:idx_file_chunk,unique"`
	Size   int
	Data   []byte
}

// Ledger records which chunks of which files have been received.
type Ledger struct {
	DB *gorm.DB
}

func NewLedger(path string) (*Ledger, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	if err := db.AutoMigrate(&File{}, &Chunk{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{DB: db}, nil
}

// RecordFile registers a file once its metadata arrives. Re-recording a
// known hash is a no-op.
func (l *Ledger) RecordFile(meta protocol.Metadata) error {
	file := File{
		Name:        meta.FileName,
		Size:        meta.FileSize,
		MimeType:    meta.MimeType,
		Hash:        meta.FileHash,
		TotalChunks: meta.TotalChunks,
		Duration:    meta.Duration,
		CreatedAt:   time.Now().Unix(),
	}
	err := l.DB.Where(File{Hash: meta.FileHash}).FirstOrCreate(&file).Error
	if err != nil {
		return fmt.Errorf("record file %s: %w", meta.FileName, err)
	}
	return nil
}

// MarkChunk stores one received chunk. Duplicate marks for the same index
// are ignored.
func (l *Ledger) MarkChunk(fileHash string, index int, data []byte) error {
	var file File
	if err := l.DB.First(&file, "hash = ?", fileHash).Error; err != nil {
		return fmt.Errorf("unknown file %s: %w", fileHash, err)
	}
	chunk := Chunk{
		FileID: file.ID,
		Index:  index,
		Size:   len(data),
		Data:   data,
	}
	err := l.DB.Where(Chunk{FileID: file.ID, Index: index}).FirstOrCreate(&chunk).Error
	if err != nil {
		return fmt.Errorf("mark chunk %d of %s: %w", index, fileHash, err)
	}
	return nil
}

// LoadChunks returns every stored chunk of a file, keyed by index.
func (l *Ledger) LoadChunks(fileHash string) (map[int][]byte, error) {
	var file File
	if err := l.DB.First(&file, "hash = ?", fileHash).Error; err != nil {
		return nil, fmt.Errorf("unknown file %s: %w", fileHash, err)
	}
	var chunks []Chunk
	if err := l.DB.Find(&chunks, "file_id = ?", file.ID).Error; err != nil {
		return nil, err
	}
	out := make(map[int][]byte, len(chunks))
	for _, c := range chunks {
		out[c.Index] = c.Data
	}
	return out, nil
}

// Files lists every file the ledger knows about.
func (l *Ledger) Files() ([]File, error) {
	var files []File
	if err := l.DB.Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

// Progress reports received versus total chunk counts for one file.
func (l *Ledger) Progress(fileHash string) (received, total int, err error) {
	var file File
	if err := l.DB.First(&file, "hash = ?", fileHash).Error; err != nil {
		return 0, 0, fmt.Errorf("unknown file %s: %w", fileHash, err)
	}
	var count int64
	if err := l.DB.Model(&Chunk{}).Where("file_id = ?", file.ID).Count(&count).Error; err != nil {
		return 0, 0, err
	}
	return int(count), file.TotalChunks, nil
}

func (l *Ledger) Close() error {
	sqlDB, err := l.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
