package gormstore

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/ineyio/editqueue"
)

// AIEditRequest is the persisted form of an edit.
type AIEditRequest struct {
	ID             string         `gorm:"primaryKey;type:text"`
	UserID         string         `gorm:"type:text;not null;index"`
	InputImageURL  string         `gorm:"type:text;not null"`
	Prompt         string         `gorm:"type:text;not null"`
	AIModel        string         `gorm:"column:ai_model;type:text;not null"`
	Quality        string         `gorm:"type:text;not null"`
	Status         string         `gorm:"type:text;not null;index"`
	OutputImageURL string         `gorm:"type:text;not null"`
	ErrorMessage   string         `gorm:"type:text;not null"`
	Cost           int64          `gorm:"not null"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index"`
	CompletedAt    *time.Time
}

// UserAIUsage is one user's ledger row for the month in Month.
type UserAIUsage struct {
	UserID       string    `gorm:"primaryKey;type:text"`
	Month        string    `gorm:"type:text;not null"`
	FreeRequests int64     `gorm:"not null"`
	PaidRequests int64     `gorm:"not null"`
	TotalCost    int64     `gorm:"not null"`
	LastReset    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func toRow(e editqueue.EditRequest) (AIEditRequest, error) {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return AIEditRequest{}, fmt.Errorf("editqueue/gormstore: encode metadata: %w", err)
	}
	return AIEditRequest{
		ID:             e.ID,
		UserID:         e.UserID,
		InputImageURL:  e.InputImageURL,
		Prompt:         e.Prompt,
		AIModel:        e.Model,
		Quality:        string(e.Quality),
		Status:         string(e.Status),
		OutputImageURL: e.OutputImageURL,
		ErrorMessage:   e.ErrorMessage,
		Cost:           e.Cost,
		Metadata:       datatypes.JSON(meta),
		CreatedAt:      e.CreatedAt,
		CompletedAt:    e.CompletedAt,
	}, nil
}

func (r AIEditRequest) toEdit() (editqueue.EditRequest, error) {
	e := editqueue.EditRequest{
		ID:             r.ID,
		UserID:         r.UserID,
		InputImageURL:  r.InputImageURL,
		Prompt:         r.Prompt,
		Model:          r.AIModel,
		Quality:        editqueue.Quality(r.Quality),
		Status:         editqueue.Status(r.Status),
		OutputImageURL: r.OutputImageURL,
		ErrorMessage:   r.ErrorMessage,
		Cost:           r.Cost,
		CreatedAt:      r.CreatedAt,
		CompletedAt:    r.CompletedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &e.Metadata); err != nil {
			return editqueue.EditRequest{}, fmt.Errorf("editqueue/gormstore: decode metadata: %w", err)
		}
	}
	return e, nil
}

func (u UserAIUsage) toUsage() editqueue.Usage {
	return editqueue.Usage{
		UserID:       u.UserID,
		Month:        u.Month,
		FreeRequests: u.FreeRequests,
		PaidRequests: u.PaidRequests,
		TotalCost:    u.TotalCost,
		LastReset:    u.LastReset,
		UpdatedAt:    u.UpdatedAt,
	}
}
