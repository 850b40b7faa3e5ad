//go:build e2e

// Package e2e contains end-to-end integration tests against a Datastore emulator.
// Run with: DATASTORE_EMULATOR_HOST=localhost:8081 go test -tags=e2e -v ./e2e/...
package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapiche/gcloudoem/connection"
	"github.com/kapiche/gcloudoem/oem"
	"github.com/kapiche/gcloudoem/queryset"
)

// Test configuration
const (
	defaultDataset = "gcloudoem-e2e"

	// Namespaces are unique per test run to avoid conflicts
	namespacePrefix = "e2e"
)

var (
	testID   string
	testConn *connection.Conn
)

// --- Test Entities ---

// Organization is a root entity.
type Organization struct {
	oem.Model
	Name    string    `oem:"name,required"`
	Created time.Time `oem:"created"`
}

// Studio is a child of Organization.
type Studio struct {
	oem.Model
	Name string   `oem:"name,required"`
	Slug string   `oem:"slug"`
	Tags []string `oem:"tags"`
}

// Title belongs to a Studio and references its lead Studio by key.
type Title struct {
	oem.Model
	Name    string   `oem:"name,required"`
	Year    int      `oem:"year"`
	Lead    *oem.Key `oem:"lead"`
	Summary []byte   `oem:"summary,compressed"`
}

// --- Test Setup & Teardown ---

func TestMain(m *testing.M) {
	cfg := connection.FromEnv()
	if cfg.EmulatorHost == "" {
		fmt.Println("DATASTORE_EMULATOR_HOST not set, skipping e2e tests")
		os.Exit(0)
	}
	if cfg.Dataset == "" {
		cfg.Dataset = defaultDataset
	}

	testID = uuid.New().String()[:8]
	cfg.Namespace = fmt.Sprintf("%s-%s", namespacePrefix, testID)
	fmt.Printf("Test ID: %s\n", testID)
	fmt.Printf("Namespace: %s\n", cfg.Namespace)

	var err error
	testConn, err = connection.New(context.Background(), cfg)
	if err != nil {
		fmt.Printf("Failed to connect: %v\n", err)
		os.Exit(1)
	}
	oem.Connect(testConn)
	oem.Register((*Organization)(nil), (*Studio)(nil), (*Title)(nil))

	os.Exit(m.Run())
}

func newOrganization(t *testing.T, name string) *Organization {
	t.Helper()
	org := &Organization{Name: name, Created: time.Now()}
	require.NoError(t, oem.Save(context.Background(), org))
	require.False(t, org.EntityKey().Incomplete())
	return org
}

// --- Entity Tests ---

func TestSaveAndGet(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Acme")

	got := &Organization{}
	require.NoError(t, oem.Get(ctx, nil, org.EntityKey(), got))
	assert.Equal(t, "Acme", got.Name)
	assert.WithinDuration(t, org.Created, got.Created, time.Millisecond)
}

func TestGet_Missing(t *testing.T) {
	err := oem.Get(context.Background(), nil, oem.IDKey("Organization", 987654321, nil), &Organization{})
	require.ErrorIs(t, err, oem.ErrNotFound)
}

func TestSave_ValidationFails(t *testing.T) {
	err := oem.Save(context.Background(), &Organization{})
	require.ErrorIs(t, err, oem.ErrValidation)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Doomed")

	require.NoError(t, oem.Delete(ctx, org))
	err := oem.Get(ctx, nil, org.EntityKey(), &Organization{})
	require.ErrorIs(t, err, oem.ErrNotFound)
}

// --- Transaction Tests ---

func TestTransaction_CommitsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Parent")

	studios := []*Studio{{Name: "North"}, {Name: "South"}}
	err := oem.RunInTransaction(ctx, oem.IsolationSerializable, func(ctx context.Context) error {
		txn := oem.CurrentTransaction(ctx)
		for _, s := range studios {
			s.SetEntityKey(oem.NewKey("Studio", org.EntityKey()))
			if err := txn.Put(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	for _, s := range studios {
		assert.False(t, s.EntityKey().Incomplete())
		assert.True(t, s.EntityKey().Parent().Equal(org.EntityKey()))
	}
}

func TestTransaction_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Rollback")
	studio := &Studio{Name: "Ghost"}
	studio.SetEntityKey(oem.NameKey("Studio", "ghost-"+testID, org.EntityKey()))

	boom := errors.New("boom")
	err := oem.RunInTransaction(ctx, oem.IsolationSnapshot, func(ctx context.Context) error {
		if err := oem.Save(ctx, studio); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = oem.Get(ctx, nil, studio.EntityKey(), &Studio{})
	require.ErrorIs(t, err, oem.ErrNotFound)
}

// --- Query Tests ---

func TestAncestorQuery(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Ancestors")
	other := newOrganization(t, "Elsewhere")

	for i, parent := range []*Organization{org, org, other} {
		s := &Studio{Name: fmt.Sprintf("studio-%d", i), Tags: []string{"film"}}
		s.SetEntityKey(oem.NewKey("Studio", parent.EntityKey()))
		require.NoError(t, oem.Save(ctx, s))
	}

	qs, err := queryset.New[*Studio]()
	require.NoError(t, err)
	qs, err = qs.Ancestor(org.EntityKey())
	require.NoError(t, err)
	qs, err = qs.Filter("tags", "film")
	require.NoError(t, err)

	n, err := qs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCursorPaging(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Pages")
	studio := &Studio{Name: "Pager"}
	studio.SetEntityKey(oem.NewKey("Studio", org.EntityKey()))
	require.NoError(t, oem.Save(ctx, studio))

	titles := make([]*Title, 5)
	for i := range titles {
		titles[i] = &Title{Name: fmt.Sprintf("t%d", i), Year: 2000 + i, Lead: studio.EntityKey(), Summary: []byte("long text")}
		titles[i].SetEntityKey(oem.NewKey("Title", studio.EntityKey()))
	}
	qsAll, err := queryset.New[*Title]()
	require.NoError(t, err)
	require.NoError(t, qsAll.BulkCreate(ctx, titles))

	q, err := oem.NewQuery((*Title)(nil))
	require.NoError(t, err)
	require.NoError(t, q.SetAncestor(studio.EntityKey()))
	require.NoError(t, q.OrderBy("year"))

	cur, err := oem.NewCursor(q, testConn, oem.WithLimit(2))
	require.NoError(t, err)
	page, _, _, err := cur.NextPage(ctx)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 2000, page[0].(*Title).Year)

	resumed, err := oem.NewCursor(q, testConn, oem.WithStartCursor(cur.Position()))
	require.NoError(t, err)
	var years []int
	for e, err := range resumed.All(ctx) {
		require.NoError(t, err)
		years = append(years, e.(*Title).Year)
	}
	assert.Equal(t, []int{2002, 2003, 2004}, years)
	assert.Equal(t, []byte("long text"), page[0].(*Title).Summary)
	assert.True(t, page[0].(*Title).Lead.Equal(studio.EntityKey()))
}

func TestQuerySet_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	org := newOrganization(t, "Bulk")

	qs, err := queryset.New[*Studio]()
	require.NoError(t, err)
	qs, err = qs.Ancestor(org.EntityKey())
	require.NoError(t, err)

	for _, name := range []string{"a", "b", "c"} {
		s := &Studio{Name: name}
		s.SetEntityKey(oem.NewKey("Studio", org.EntityKey()))
		require.NoError(t, qs.Create(ctx, s))
	}

	updated, err := qs.Update(ctx, func(s *Studio) error {
		s.Slug = "slug-" + s.Name
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, updated, 3)

	b, err := qs.Filter("slug", "slug-b")
	require.NoError(t, err)
	got, err := b.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Name)

	deleted, err := qs.Delete(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	exists, err := qs.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}
