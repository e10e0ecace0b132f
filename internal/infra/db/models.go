package db

import "time"

type WorkspaceModel struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	Slug      string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (WorkspaceModel) TableName() string {
	return "workspaces"
}

type PrincipalModel struct {
	ID         string           `gorm:"type:uuid;primaryKey"`
	Username   string           `gorm:"uniqueIndex;not null"`
	SecretHash string           `gorm:"not null"`
	Role       string           `gorm:"not null"`
	Active     bool             `gorm:"not null;default:true"`
	Workspaces []WorkspaceModel `gorm:"many2many:principal_workspaces"`
	CreatedAt  time.Time        `gorm:"not null"`
	UpdatedAt  time.Time        `gorm:"not null"`
}

func (PrincipalModel) TableName() string {
	return "principals"
}
