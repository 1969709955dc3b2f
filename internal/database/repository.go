package database

import (
	"context"

	"github.com/wirepbx/wirepbx/internal/database/models"
)

// SystemConfigRepository manages key-value system configuration.
type SystemConfigRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetAll(ctx context.Context) ([]models.SystemConfig, error)
}

// ExtensionRepository manages staff extensions.
type ExtensionRepository interface {
	Create(ctx context.Context, ext *models.Extension) error
	GetByID(ctx context.Context, id int64) (*models.Extension, error)
	GetByExtension(ctx context.Context, ext string) (*models.Extension, error)
	List(ctx context.Context) ([]models.Extension, error)
	Update(ctx context.Context, ext *models.Extension) error
	Delete(ctx context.Context, id int64) error
}

// QueueRepository manages hunt queues.
type QueueRepository interface {
	Create(ctx context.Context, q *models.Queue) error
	GetByQueueID(ctx context.Context, queueID string) (*models.Queue, error)
	List(ctx context.Context) ([]models.Queue, error)
	Update(ctx context.Context, q *models.Queue) error
	Delete(ctx context.Context, id int64) error
}

// VoicemailBoxRepository manages voicemail box configurations.
type VoicemailBoxRepository interface {
	Create(ctx context.Context, box *models.VoicemailBox) error
	GetByMailbox(ctx context.Context, mailboxNumber string) (*models.VoicemailBox, error)
	List(ctx context.Context) ([]models.VoicemailBox, error)
	Delete(ctx context.Context, id int64) error
}

// MenuRepository manages IVR menus and their digit bindings.
//
// ListItems returns items with numeric digits 0-9 first in ascending order,
// then "*", then "#". AddItem and UpdateItem reject submenu bindings that
// would create a cycle back to an ancestor menu.
type MenuRepository interface {
	CreateMenu(ctx context.Context, m *models.Menu) error
	GetMenu(ctx context.Context, menuID string) (*models.Menu, error)
	ListMenus(ctx context.Context) ([]models.Menu, error)
	RenameMenu(ctx context.Context, menuID, name string) error
	DeleteMenu(ctx context.Context, menuID string) error

	AddItem(ctx context.Context, item *models.MenuItem) error
	UpdateItem(ctx context.Context, item *models.MenuItem) error
	RemoveItem(ctx context.Context, menuID, digit string) error
	GetItem(ctx context.Context, menuID, digit string) (*models.MenuItem, error)
	ListItems(ctx context.Context, menuID string) ([]models.MenuItem, error)
}

// CDRRepository manages call detail records.
type CDRRepository interface {
	Create(ctx context.Context, cdr *models.CDR) error
	GetByCallID(ctx context.Context, callID string) (*models.CDR, error)
	ListRecent(ctx context.Context, limit int) ([]models.CDR, error)
	CountByDisposition(ctx context.Context) (map[string]int64, error)
}

// AdminUserRepository manages administration API users.
type AdminUserRepository interface {
	Create(ctx context.Context, user *models.AdminUser) error
	GetByUsername(ctx context.Context, username string) (*models.AdminUser, error)
	Count(ctx context.Context) (int64, error)
}
