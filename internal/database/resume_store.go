package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrResumeNotFound 表示在调用者名下查询不到对应简历。
var ErrResumeNotFound = errors.New("resume not found")

// ResumeStore 封装简历的 CRUD，所有读写都按 owner 过滤。
type ResumeStore struct {
	db *gorm.DB
}

// NewResumeStore 构造 ResumeStore。
func NewResumeStore(db *gorm.DB) *ResumeStore {
	return &ResumeStore{db: db}
}

// Create 保存一份新的简历。
func (s *ResumeStore) Create(ctx context.Context, resume *Resume) error {
	if err := s.db.WithContext(ctx).Create(resume).Error; err != nil {
		return fmt.Errorf("create resume: %w", err)
	}
	return nil
}

// CountByOwner 统计用户名下的简历数量（限额检查用，调用时点计数，不加锁）。
func (s *ResumeStore) CountByOwner(ctx context.Context, userID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Resume{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count resumes: %w", err)
	}
	return count, nil
}

// ListByOwner 列出用户名下的全部简历，按创建时间倒序。
func (s *ResumeStore) ListByOwner(ctx context.Context, userID uint) ([]Resume, error) {
	var resumes []Resume
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&resumes).Error
	if err != nil {
		return nil, fmt.Errorf("list resumes: %w", err)
	}
	return resumes, nil
}

// GetByOwner 查询用户名下指定 ID 的简历。
func (s *ResumeStore) GetByOwner(ctx context.Context, resumeID, userID uint) (*Resume, error) {
	var resume Resume
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", resumeID, userID).
		First(&resume).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrResumeNotFound
		}
		return nil, fmt.Errorf("get resume: %w", err)
	}
	return &resume, nil
}

// Update 覆盖指定简历的内容字段。
func (s *ResumeStore) Update(ctx context.Context, resumeID, userID uint, updates map[string]any) error {
	result := s.db.WithContext(ctx).Model(&Resume{}).
		Where("id = ? AND user_id = ?", resumeID, userID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update resume: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrResumeNotFound
	}
	return nil
}

// Delete 删除用户名下指定简历（硬删除）。
func (s *ResumeStore) Delete(ctx context.Context, resumeID, userID uint) error {
	result := s.db.WithContext(ctx).Unscoped().
		Where("id = ? AND user_id = ?", resumeID, userID).
		Delete(&Resume{})
	if result.Error != nil {
		return fmt.Errorf("delete resume: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrResumeNotFound
	}
	return nil
}
