// Package store persists part availability so a node can resume a
// partly fetched file across restarts.
package store

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PartRecord tracks one appended part of one file. File is whatever
// identity the caller downloads under (source URL or output path), so
// records can be read back before the segment index is known.
type PartRecord struct {
	ID     uint   `gorm:"primaryKey"`
	File   string `gorm:"index:idx_file_number,unique"`
	Number int    `gorm:"index:idx_file_number,unique"`
	Added  bool
}

type Store struct {
	db *gorm.DB
}

// Open creates or opens the cache database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open part store: %w", err)
	}
	if err := db.AutoMigrate(&PartRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate part store: %w", err)
	}
	return &Store{db: db}, nil
}

// MarkAdded records that a part reached the playback pipeline.
func (s *Store) MarkAdded(file string, number int) error {
	rec := PartRecord{File: file, Number: number, Added: true}
	return s.db.
		Where(map[string]any{"file": file, "number": number}).
		Assign(PartRecord{Added: true}).
		FirstOrCreate(&rec).Error
}

// AddedParts lists the parts previously persisted for a file.
func (s *Store) AddedParts(file string) ([]int, error) {
	var recs []PartRecord
	if err := s.db.Where("file = ? AND added = ?", file, true).
		Order("number").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]int, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Number)
	}
	return out, nil
}

// Reset drops every record for a file.
func (s *Store) Reset(file string) error {
	return s.db.Where("file = ?", file).Delete(&PartRecord{}).Error
}
