package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// Entry mirrors the kv_entries table.
type Entry struct {
	EntryKey  string         `gorm:"column:entry_key;size:255;primaryKey"`
	Value     datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (Entry) TableName() string { return "kv_entries" }
