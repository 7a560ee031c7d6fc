package cart

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound = errors.New("cart not found")
	ErrNotOwner = errors.New("cart belongs to another session")
	ErrNoLine   = errors.New("cart has no such line")
)

// Repository persists carts together with their lines.
type Repository interface {
	Get(ctx context.Context, id string) (*Cart, error)
	// Save inserts or replaces the cart and its full set of lines.
	Save(ctx context.Context, c *Cart) error
}

type GormRepository struct {
	db *gorm.DB
}

// OpenGorm connects gorm to Postgres.
func OpenGorm(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	return db, nil
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Migrate() error {
	return r.db.AutoMigrate(&Cart{}, &Line{})
}

func (r *GormRepository) Get(ctx context.Context, id string) (*Cart, error) {
	var c Cart
	err := r.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("sku") }).
		Where("id = ?", id).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cart %s: %w", id, err)
	}
	return &c, nil
}

func (r *GormRepository) Save(ctx context.Context, c *Cart) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Lines").Save(c).Error; err != nil {
			return fmt.Errorf("save cart %s: %w", c.ID, err)
		}
		if err := tx.Where("cart_id = ?", c.ID).Delete(&Line{}).Error; err != nil {
			return fmt.Errorf("clear lines: %w", err)
		}
		if len(c.Lines) == 0 {
			return nil
		}
		for i := range c.Lines {
			c.Lines[i].CartID = c.ID
		}
		if err := tx.Create(&c.Lines).Error; err != nil {
			return fmt.Errorf("insert lines: %w", err)
		}
		return nil
	})
}
