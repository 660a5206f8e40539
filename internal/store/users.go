package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var ErrUserNotFound = errors.New("user not found")

// GormUsers is the postgres-backed user directory.
type GormUsers struct {
	db *gorm.DB
}

func NewGormUsers(db *gorm.DB) (*GormUsers, error) {
	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, fmt.Errorf("failed to migrate users: %w", err)
	}
	return &GormUsers{db: db}, nil
}

func (g *GormUsers) GetByID(ctx context.Context, id string) (*User, error) {
	var user User
	err := g.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

func (g *GormUsers) SearchByUsername(ctx context.Context, query string, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 20
	}
	var users []User
	err := g.db.WithContext(ctx).
		Where("username ILIKE ?", "%"+query+"%").
		Order("username").
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	return users, nil
}
