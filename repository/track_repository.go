package repository

import (
	"errors"
	"fmt"

	"AuraFM/db"
	"AuraFM/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TrackRepository defines the interface for track registry operations.
// 注册表只存命名下载文件所需的元数据，音频内容一律走文件缓存
type TrackRepository interface {
	Upsert(track *model.Track) error
	GetByID(id string) (*model.Track, error)
	GetByIDs(ids []string) ([]*model.Track, error)
}

type gormTrackRepository struct {
	DB *gorm.DB
}

// NewTrackRepository creates a repository backed by the global GORM connection.
func NewTrackRepository() TrackRepository {
	return &gormTrackRepository{DB: db.GormDB}
}

// Upsert 写入或更新曲目描述
func (r *gormTrackRepository) Upsert(track *model.Track) error {
	err := r.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "artist", "query", "updated_at"}),
	}).Create(track).Error
	if err != nil {
		return fmt.Errorf("failed to upsert track %s: %w", track.ID, err)
	}
	return nil
}

// GetByID 按标识取回曲目描述，未找到返回 (nil, nil)
func (r *gormTrackRepository) GetByID(id string) (*model.Track, error) {
	var track model.Track
	err := r.DB.First(&track, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get track %s: %w", id, err)
	}
	return &track, nil
}

// GetByIDs 批量取回曲目描述，保持入参顺序，缺失的条目跳过
func (r *gormTrackRepository) GetByIDs(ids []string) ([]*model.Track, error) {
	var rows []model.Track
	if err := r.DB.Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get tracks: %w", err)
	}

	byID := make(map[string]*model.Track, len(rows))
	for i := range rows {
		byID[rows[i].ID] = &rows[i]
	}
	out := make([]*model.Track, 0, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}
