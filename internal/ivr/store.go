package ivr

import (
	"context"

	"github.com/wirepbx/wirepbx/internal/database"
)

// RepoStore adapts the persistence menu repository to the engine's read-only
// MenuStore view.
type RepoStore struct {
	repo database.MenuRepository
}

// NewRepoStore creates a repository-backed menu store.
func NewRepoStore(repo database.MenuRepository) *RepoStore {
	return &RepoStore{repo: repo}
}

func (s *RepoStore) GetMenu(ctx context.Context, menuID string) (Menu, error) {
	m, err := s.repo.GetMenu(ctx, menuID)
	if err != nil {
		return Menu{}, err
	}
	return Menu{ID: m.ID, PromptRef: m.PromptRef}, nil
}

func (s *RepoStore) GetItem(ctx context.Context, menuID, digit string) (Item, error) {
	item, err := s.repo.GetItem(ctx, menuID, digit)
	if err != nil {
		return Item{}, err
	}
	return Item{Digit: item.Digit, DestType: item.DestType, DestValue: item.DestValue}, nil
}

var _ MenuStore = (*RepoStore)(nil)
