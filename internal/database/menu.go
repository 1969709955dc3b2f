package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/wirepbx/wirepbx/internal/database/models"
	"github.com/wirepbx/wirepbx/internal/pbxerr"
)

// validDigits is the complete digit domain for menu bindings.
const validDigits = "0123456789*#"

// maxMenuDepth bounds the ancestor traversal when checking for submenu
// cycles. Real menu trees are a handful of levels deep.
const maxMenuDepth = 64

// menuRepo implements MenuRepository.
type menuRepo struct {
	db *DB
}

// NewMenuRepository creates a new MenuRepository.
func NewMenuRepository(db *DB) MenuRepository {
	return &menuRepo{db: db}
}

// CreateMenu inserts a new menu.
func (r *menuRepo) CreateMenu(ctx context.Context, m *models.Menu) error {
	if m.ID == "" {
		return fmt.Errorf("menu id must not be empty")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO menus (id, name, parent_id, prompt_ref, created_at, updated_at)
		 VALUES (?, ?, ?, ?, datetime('now'), datetime('now'))`,
		m.ID, m.Name, m.ParentID, m.PromptRef,
	)
	if err != nil {
		return fmt.Errorf("inserting menu: %w", err)
	}
	return nil
}

// GetMenu returns a menu by id, or pbxerr.ErrNotFound if absent.
func (r *menuRepo) GetMenu(ctx context.Context, menuID string) (*models.Menu, error) {
	var m models.Menu
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, parent_id, prompt_ref, created_at, updated_at
		 FROM menus WHERE id = ?`, menuID,
	).Scan(&m.ID, &m.Name, &m.ParentID, &m.PromptRef, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("menu %q: %w", menuID, pbxerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning menu: %w", err)
	}
	return &m, nil
}

// ListMenus returns all menus ordered by id.
func (r *menuRepo) ListMenus(ctx context.Context) ([]models.Menu, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, parent_id, prompt_ref, created_at, updated_at
		 FROM menus ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying menus: %w", err)
	}
	defer rows.Close()

	var menus []models.Menu
	for rows.Next() {
		var m models.Menu
		if err := rows.Scan(&m.ID, &m.Name, &m.ParentID, &m.PromptRef,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning menu row: %w", err)
		}
		menus = append(menus, m)
	}
	return menus, rows.Err()
}

// RenameMenu updates a menu's display name.
func (r *menuRepo) RenameMenu(ctx context.Context, menuID, name string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE menus SET name = ?, updated_at = datetime('now') WHERE id = ?`,
		name, menuID,
	)
	if err != nil {
		return fmt.Errorf("renaming menu: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rename result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("menu %q: %w", menuID, pbxerr.ErrNotFound)
	}
	return nil
}

// DeleteMenu removes a menu and (via cascade) its items. The reserved root
// menu "main" cannot be deleted.
func (r *menuRepo) DeleteMenu(ctx context.Context, menuID string) error {
	if menuID == "main" {
		return fmt.Errorf("the root menu cannot be deleted")
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM menus WHERE id = ?`, menuID)
	if err != nil {
		return fmt.Errorf("deleting menu: %w", err)
	}
	return nil
}

// AddItem inserts a digit binding after validating the digit domain and,
// for submenu bindings, the target menu's existence and acyclicity.
func (r *menuRepo) AddItem(ctx context.Context, item *models.MenuItem) error {
	if err := r.validateItem(ctx, item); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO menu_items (menu_id, digit, dest_type, dest_value, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		item.MenuID, item.Digit, item.DestType, item.DestValue, item.Description,
	)
	if err != nil {
		return fmt.Errorf("inserting menu item: %w", err)
	}
	return nil
}

// UpdateItem rewrites an existing digit binding, applying the same
// validation as AddItem.
func (r *menuRepo) UpdateItem(ctx context.Context, item *models.MenuItem) error {
	if err := r.validateItem(ctx, item); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE menu_items SET dest_type = ?, dest_value = ?, description = ?,
		 updated_at = datetime('now')
		 WHERE menu_id = ? AND digit = ?`,
		item.DestType, item.DestValue, item.Description, item.MenuID, item.Digit,
	)
	if err != nil {
		return fmt.Errorf("updating menu item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("menu %q digit %q: %w", item.MenuID, item.Digit, pbxerr.ErrNotFound)
	}
	return nil
}

// RemoveItem deletes a digit binding. Removing a missing binding is not an
// error.
func (r *menuRepo) RemoveItem(ctx context.Context, menuID, digit string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM menu_items WHERE menu_id = ? AND digit = ?`, menuID, digit)
	if err != nil {
		return fmt.Errorf("deleting menu item: %w", err)
	}
	return nil
}

// GetItem returns the binding for one digit, or pbxerr.ErrNotFound.
func (r *menuRepo) GetItem(ctx context.Context, menuID, digit string) (*models.MenuItem, error) {
	var it models.MenuItem
	err := r.db.QueryRowContext(ctx,
		`SELECT menu_id, digit, dest_type, dest_value, description, created_at, updated_at
		 FROM menu_items WHERE menu_id = ? AND digit = ?`, menuID, digit,
	).Scan(&it.MenuID, &it.Digit, &it.DestType, &it.DestValue, &it.Description,
		&it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("menu %q digit %q: %w", menuID, digit, pbxerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning menu item: %w", err)
	}
	return &it, nil
}

// ListItems returns all bindings for a menu ordered 0-9, then "*", then "#".
// The ordering is a presentation rule only; matching is by exact digit.
func (r *menuRepo) ListItems(ctx context.Context, menuID string) ([]models.MenuItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT menu_id, digit, dest_type, dest_value, description, created_at, updated_at
		 FROM menu_items WHERE menu_id = ?
		 ORDER BY CASE digit WHEN '*' THEN 10 WHEN '#' THEN 11 ELSE CAST(digit AS INTEGER) END`,
		menuID)
	if err != nil {
		return nil, fmt.Errorf("querying menu items: %w", err)
	}
	defer rows.Close()

	var items []models.MenuItem
	for rows.Next() {
		var it models.MenuItem
		if err := rows.Scan(&it.MenuID, &it.Digit, &it.DestType, &it.DestValue,
			&it.Description, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning menu item row: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// validateItem checks the digit domain, the destination type, and for
// submenu bindings verifies the target exists and does not close a cycle.
func (r *menuRepo) validateItem(ctx context.Context, item *models.MenuItem) error {
	if len(item.Digit) != 1 || !strings.Contains(validDigits, item.Digit) {
		return fmt.Errorf("digit must be one of 0-9, * or #, got %q", item.Digit)
	}

	switch item.DestType {
	case models.DestExtension, models.DestQueue, models.DestVoicemail, models.DestOperator:
		return nil
	case models.DestSubmenu:
		if _, err := r.GetMenu(ctx, item.DestValue); err != nil {
			return fmt.Errorf("submenu target: %w", err)
		}
		cyclic, err := r.reaches(ctx, item.DestValue, item.MenuID)
		if err != nil {
			return err
		}
		if cyclic {
			return fmt.Errorf("submenu %q would create a cycle back to menu %q", item.DestValue, item.MenuID)
		}
		return nil
	default:
		return fmt.Errorf("unknown destination type %q", item.DestType)
	}
}

// reaches reports whether menu "to" is reachable from menu "from" by
// following submenu bindings. Used to reject cycle-forming writes.
func (r *menuRepo) reaches(ctx context.Context, from, to string) (bool, error) {
	if from == to {
		return true, nil
	}

	visited := map[string]bool{from: true}
	frontier := []string{from}

	for depth := 0; depth < maxMenuDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, menuID := range frontier {
			rows, err := r.db.QueryContext(ctx,
				`SELECT dest_value FROM menu_items WHERE menu_id = ? AND dest_type = ?`,
				menuID, models.DestSubmenu)
			if err != nil {
				return false, fmt.Errorf("querying submenu bindings of %q: %w", menuID, err)
			}
			for rows.Next() {
				var target string
				if err := rows.Scan(&target); err != nil {
					rows.Close()
					return false, fmt.Errorf("scanning submenu binding: %w", err)
				}
				if target == to {
					rows.Close()
					return true, nil
				}
				if !visited[target] {
					visited[target] = true
					next = append(next, target)
				}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return false, fmt.Errorf("iterating submenu bindings: %w", err)
			}
			rows.Close()
		}
		frontier = next
	}

	return false, nil
}
