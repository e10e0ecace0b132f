package db

import (
	"context"
	"errors"

	"flowgate/internal/domain"

	"gorm.io/gorm"
)

type WorkspaceRepository struct {
	db *gorm.DB
}

func NewWorkspaceRepository(db *gorm.DB) *WorkspaceRepository {
	return &WorkspaceRepository{db: db}
}

func (r *WorkspaceRepository) Create(ctx context.Context, workspace WorkspaceModel) error {
	if r.db == nil {
		return errDBUnavailable
	}
	return r.db.WithContext(ctx).Create(&workspace).Error
}

func (r *WorkspaceRepository) GetByID(ctx context.Context, id string) (*WorkspaceModel, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model WorkspaceModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &model, nil
}

func (r *WorkspaceRepository) List(ctx context.Context) ([]WorkspaceModel, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []WorkspaceModel
	if err := r.db.WithContext(ctx).Order("slug").Find(&models).Error; err != nil {
		return nil, err
	}
	return models, nil
}

func (r *WorkspaceRepository) Delete(ctx context.Context, id string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	result := r.db.WithContext(ctx).Delete(&WorkspaceModel{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
