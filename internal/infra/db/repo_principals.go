package db

import (
	"context"
	"errors"
	"time"

	"flowgate/internal/domain"

	"gorm.io/gorm"
)

type PrincipalRepository struct {
	db *gorm.DB
}

func NewPrincipalRepository(db *gorm.DB) *PrincipalRepository {
	return &PrincipalRepository{db: db}
}

func (r *PrincipalRepository) Create(ctx context.Context, principal domain.Principal) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := PrincipalModel{
		ID:         principal.ID,
		Username:   principal.Username,
		SecretHash: principal.SecretHash,
		Role:       string(principal.Role),
		Active:     principal.Active,
		CreatedAt:  principal.CreatedAt,
		UpdatedAt:  principal.UpdatedAt,
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *PrincipalRepository) GetByUsername(ctx context.Context, username string) (*domain.Principal, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model PrincipalModel
	err := r.db.WithContext(ctx).Preload("Workspaces").First(&model, "username = ?", username).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return toPrincipal(model), nil
}

func (r *PrincipalRepository) GetByID(ctx context.Context, id string) (*domain.Principal, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model PrincipalModel
	err := r.db.WithContext(ctx).Preload("Workspaces").First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return toPrincipal(model), nil
}

func (r *PrincipalRepository) List(ctx context.Context) ([]domain.Principal, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []PrincipalModel
	if err := r.db.WithContext(ctx).Preload("Workspaces").Order("username").Find(&models).Error; err != nil {
		return nil, err
	}
	principals := make([]domain.Principal, 0, len(models))
	for _, model := range models {
		principals = append(principals, *toPrincipal(model))
	}
	return principals, nil
}

func (r *PrincipalRepository) Update(ctx context.Context, principal domain.Principal) error {
	if r.db == nil {
		return errDBUnavailable
	}
	updates := map[string]any{
		"secret_hash": principal.SecretHash,
		"role":        string(principal.Role),
		"active":      principal.Active,
		"updated_at":  time.Now().UTC(),
	}
	result := r.db.WithContext(ctx).Model(&PrincipalModel{}).Where("id = ?", principal.ID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PrincipalRepository) Delete(ctx context.Context, id string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	result := r.db.WithContext(ctx).Delete(&PrincipalModel{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PrincipalRepository) AddWorkspace(ctx context.Context, principalID, workspaceID string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	principal := PrincipalModel{ID: principalID}
	workspace := WorkspaceModel{ID: workspaceID}
	return r.db.WithContext(ctx).Model(&principal).Association("Workspaces").Append(&workspace)
}

func (r *PrincipalRepository) RemoveWorkspace(ctx context.Context, principalID, workspaceID string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	principal := PrincipalModel{ID: principalID}
	workspace := WorkspaceModel{ID: workspaceID}
	return r.db.WithContext(ctx).Model(&principal).Association("Workspaces").Delete(&workspace)
}

func toPrincipal(model PrincipalModel) *domain.Principal {
	workspaces := make([]string, 0, len(model.Workspaces))
	for _, ws := range model.Workspaces {
		workspaces = append(workspaces, ws.ID)
	}
	return &domain.Principal{
		ID:         model.ID,
		Username:   model.Username,
		SecretHash: model.SecretHash,
		Role:       domain.Role(model.Role),
		Active:     model.Active,
		Workspaces: workspaces,
		CreatedAt:  model.CreatedAt,
		UpdatedAt:  model.UpdatedAt,
	}
}
