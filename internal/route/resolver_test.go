package route

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/wirepbx/wirepbx/internal/database/models"
	"github.com/wirepbx/wirepbx/internal/pbxerr"
)

type fakeExtensionRepo struct {
	exts map[string]*models.Extension
}

func (r *fakeExtensionRepo) Create(ctx context.Context, ext *models.Extension) error { return nil }
func (r *fakeExtensionRepo) GetByID(ctx context.Context, id int64) (*models.Extension, error) {
	return nil, pbxerr.ErrNotFound
}
func (r *fakeExtensionRepo) GetByExtension(ctx context.Context, ext string) (*models.Extension, error) {
	e, ok := r.exts[ext]
	if !ok {
		return nil, fmt.Errorf("extension %q: %w", ext, pbxerr.ErrNotFound)
	}
	return e, nil
}
func (r *fakeExtensionRepo) List(ctx context.Context) ([]models.Extension, error) { return nil, nil }
func (r *fakeExtensionRepo) Update(ctx context.Context, ext *models.Extension) error {
	return nil
}
func (r *fakeExtensionRepo) Delete(ctx context.Context, id int64) error { return nil }

type fakeQueueRepo struct {
	queues map[string]*models.Queue
}

func (r *fakeQueueRepo) Create(ctx context.Context, q *models.Queue) error { return nil }
func (r *fakeQueueRepo) GetByQueueID(ctx context.Context, queueID string) (*models.Queue, error) {
	q, ok := r.queues[queueID]
	if !ok {
		return nil, fmt.Errorf("queue %q: %w", queueID, pbxerr.ErrNotFound)
	}
	return q, nil
}
func (r *fakeQueueRepo) List(ctx context.Context) ([]models.Queue, error)  { return nil, nil }
func (r *fakeQueueRepo) Update(ctx context.Context, q *models.Queue) error { return nil }
func (r *fakeQueueRepo) Delete(ctx context.Context, id int64) error        { return nil }

type fakeMenuRepo struct {
	menus map[string]*models.Menu
}

func (r *fakeMenuRepo) CreateMenu(ctx context.Context, m *models.Menu) error { return nil }
func (r *fakeMenuRepo) GetMenu(ctx context.Context, menuID string) (*models.Menu, error) {
	m, ok := r.menus[menuID]
	if !ok {
		return nil, fmt.Errorf("menu %q: %w", menuID, pbxerr.ErrNotFound)
	}
	return m, nil
}
func (r *fakeMenuRepo) ListMenus(ctx context.Context) ([]models.Menu, error)       { return nil, nil }
func (r *fakeMenuRepo) RenameMenu(ctx context.Context, menuID, name string) error  { return nil }
func (r *fakeMenuRepo) DeleteMenu(ctx context.Context, menuID string) error        { return nil }
func (r *fakeMenuRepo) AddItem(ctx context.Context, item *models.MenuItem) error   { return nil }
func (r *fakeMenuRepo) UpdateItem(ctx context.Context, item *models.MenuItem) error {
	return nil
}
func (r *fakeMenuRepo) RemoveItem(ctx context.Context, menuID, digit string) error { return nil }
func (r *fakeMenuRepo) GetItem(ctx context.Context, menuID, digit string) (*models.MenuItem, error) {
	return nil, pbxerr.ErrNotFound
}
func (r *fakeMenuRepo) ListItems(ctx context.Context, menuID string) ([]models.MenuItem, error) {
	return nil, nil
}

func newTestResolver() *DBResolver {
	exts := &fakeExtensionRepo{exts: map[string]*models.Extension{
		"2001": {Extension: "2001", Enabled: true},
		"2002": {Extension: "2002", Enabled: true, DND: true},
		"2003": {Extension: "2003", Enabled: false},
		"0":    {Extension: "0", Enabled: true},
	}}
	queues := &fakeQueueRepo{queues: map[string]*models.Queue{
		"support": {QueueID: "support", Name: "Support"},
	}}
	menus := &fakeMenuRepo{menus: map[string]*models.Menu{
		"main":  {ID: "main"},
		"sales": {ID: "sales"},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDBResolver(exts, queues, menus, "0", logger)
}

func TestResolveExtension(t *testing.T) {
	r := newTestResolver()
	ctx := context.Background()

	d, err := r.Resolve(ctx, models.DestExtension, "2001")
	if err != nil {
		t.Fatalf("Resolve enabled extension: %v", err)
	}
	if d.Kind != KindBridge || d.Target != "2001" {
		t.Errorf("destination = %+v, want bridge to 2001", d)
	}
}

func TestResolveExtensionUnavailable(t *testing.T) {
	r := newTestResolver()
	ctx := context.Background()

	cases := []struct {
		name string
		ext  string
	}{
		{"dnd", "2002"},
		{"disabled", "2003"},
		{"unknown", "9999"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Resolve(ctx, models.DestExtension, tc.ext)
			if !errors.Is(err, pbxerr.ErrUnreachable) {
				t.Errorf("Resolve(%q) = %v, want ErrUnreachable", tc.ext, err)
			}
		})
	}
}

func TestResolveOperatorIgnoresValue(t *testing.T) {
	r := newTestResolver()

	d, err := r.Resolve(context.Background(), models.DestOperator, "whatever")
	if err != nil {
		t.Fatalf("Resolve operator: %v", err)
	}
	if d.Kind != KindBridge || d.Target != "0" {
		t.Errorf("destination = %+v, want bridge to configured operator 0", d)
	}
}

func TestResolveQueue(t *testing.T) {
	r := newTestResolver()
	ctx := context.Background()

	d, err := r.Resolve(ctx, models.DestQueue, "support")
	if err != nil {
		t.Fatalf("Resolve queue: %v", err)
	}
	if d.Kind != KindEnqueue || d.Target != "support" {
		t.Errorf("destination = %+v, want enqueue to support", d)
	}

	_, err = r.Resolve(ctx, models.DestQueue, "billing")
	if !errors.Is(err, pbxerr.ErrUnreachable) {
		t.Errorf("Resolve unknown queue = %v, want ErrUnreachable", err)
	}
}

func TestResolveVoicemailShapeOnly(t *testing.T) {
	r := newTestResolver()
	ctx := context.Background()

	// Mailbox existence is not checked here, only the number shape.
	d, err := r.Resolve(ctx, models.DestVoicemail, "2001")
	if err != nil {
		t.Fatalf("Resolve voicemail: %v", err)
	}
	if d.Kind != KindVoicemail || d.Target != "2001" {
		t.Errorf("destination = %+v, want voicemail 2001", d)
	}

	for _, bad := range []string{"", "20a1", "20-1"} {
		if _, err := r.Resolve(ctx, models.DestVoicemail, bad); !errors.Is(err, pbxerr.ErrUnreachable) {
			t.Errorf("Resolve voicemail %q = %v, want ErrUnreachable", bad, err)
		}
	}
}

func TestResolveSubmenu(t *testing.T) {
	r := newTestResolver()
	ctx := context.Background()

	d, err := r.Resolve(ctx, models.DestSubmenu, "sales")
	if err != nil {
		t.Fatalf("Resolve submenu: %v", err)
	}
	if d.Kind != KindDescend || d.Target != "sales" {
		t.Errorf("destination = %+v, want descend into sales", d)
	}

	// An item may outlive its target menu.
	_, err = r.Resolve(ctx, models.DestSubmenu, "deleted")
	if !errors.Is(err, pbxerr.ErrNotFound) {
		t.Errorf("Resolve dangling submenu = %v, want ErrNotFound", err)
	}
}

func TestResolveUnknownType(t *testing.T) {
	r := newTestResolver()
	_, err := r.Resolve(context.Background(), "teleport", "anywhere")
	if !errors.Is(err, pbxerr.ErrNotFound) {
		t.Errorf("Resolve unknown type = %v, want ErrNotFound", err)
	}
}
