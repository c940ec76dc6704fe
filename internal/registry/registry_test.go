package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/scalar/service/internal/errors"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(Options{
		DataDir:   filepath.Join(t.TempDir(), "data"),
		Normalize: CleanOnly,
	})
}

func roots(regs []Registration) []string {
	out := make([]string, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.EnlistmentRoot)
	}
	return out
}

func TestTryRegister_CreatesDataDirAndFile(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	require.NoError(t, reg.TryRegister(ctx, "/repos/a", "U1"))

	data, err := os.ReadFile(reg.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2 1", lines[0])
	assert.JSONEq(t, `{"EnlistmentRoot":"/repos/a","OwnerSID":"U1","IsActive":true}`, lines[1])

	_, err = os.Stat(filepath.Join(reg.DataDir(), LockFileName))
	assert.True(t, os.IsNotExist(err), "lockfile should be released")
}

func TestTryRegister_DuplicateActiveRejected(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	require.NoError(t, reg.TryRegister(ctx, "/repos/a", "U1"))
	err := reg.TryRegister(ctx, "/repos/a/", "U2")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeRegistryAlreadyRegistered))

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "U1", all[0].OwnerSID)
}

func TestTryRegister_ReactivatesInactive(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	require.NoError(t, reg.TryRegister(ctx, "/repos/a", "U1"))
	require.NoError(t, reg.SetActive(ctx, "/repos/a", false))
	require.NoError(t, reg.TryRegister(ctx, "/repos/a", "U2"))

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, Registration{EnlistmentRoot: "/repos/a", OwnerSID: "U2", IsActive: true}, all[0])
}

func TestTryRegister_InvalidInput(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	err := reg.TryRegister(ctx, "  ", "U1")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeRegistryInvalidRoot))

	err = reg.TryRegister(ctx, "/repos/a", "")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeRegistryInvalidRoot))
}

func TestTryUnregister_Idempotent(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	require.NoError(t, reg.TryRegister(ctx, "/repos/a", "U1"))
	require.NoError(t, reg.TryRegister(ctx, "/repos/b", "U1"))

	before, err := os.ReadFile(reg.Path())
	require.NoError(t, err)

	require.NoError(t, reg.TryUnregister(ctx, "/repos/missing"))

	after, err := os.ReadFile(reg.Path())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	require.NoError(t, reg.TryUnregister(ctx, "/repos/a"))
	require.NoError(t, reg.TryUnregister(ctx, "/repos/a"))

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/repos/b"}, roots(all))
}

func TestTryUnregister_EmptyRegistry(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.TryUnregister(context.Background(), "/repos/a"))
	_, err := os.Stat(reg.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestGetAllForOwner_FiltersAndKeepsOrder(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	seed := []struct{ root, owner string }{
		{"/repos/c", "U1"},
		{"/repos/a", "U2"},
		{"/repos/b", "u1"},
		{"/repos/d", "U3"},
		{"/repos/e", "U1"},
	}
	for _, s := range seed {
		require.NoError(t, reg.TryRegister(ctx, s.root, s.owner))
	}
	require.NoError(t, reg.SetActive(ctx, "/repos/e", false))

	mine, err := reg.GetAllForOwner(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/repos/c", "/repos/b", "/repos/e"}, roots(mine))

	active, err := reg.GetActiveForOwner(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/repos/c", "/repos/b"}, roots(active))

	everyone, err := reg.GetActiveForOwner(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"/repos/c", "/repos/a", "/repos/b", "/repos/d"}, roots(everyone))
}

func TestSetActive_NotFound(t *testing.T) {
	err := newTestRegistry(t).SetActive(context.Background(), "/repos/a", false)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeRegistryNotFound))
}

func TestCorruptRegistry_TreatedAsEmpty(t *testing.T) {
	tests := map[string]string{
		"bad version":    "9 0\n",
		"not a number":   "two\n",
		"count mismatch": "2 2\n{\"EnlistmentRoot\":\"/repos/a\",\"OwnerSID\":\"U1\",\"IsActive\":true}\n",
		"bad record":     "2 1\n{not json}\n",
		"missing root":   "2 1\n{\"OwnerSID\":\"U1\"}\n",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := newTestRegistry(t)
			require.NoError(t, os.MkdirAll(reg.DataDir(), 0755))
			require.NoError(t, os.WriteFile(reg.Path(), []byte(content), 0644))

			all, err := reg.GetAll(ctx)
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, apperrors.CodeRegistryCorrupt))
			assert.Equal(t, apperrors.KindRegistryIO, apperrors.KindOf(err))
			assert.Empty(t, all)

			// A write recovers: the corrupt file is set aside.
			require.NoError(t, reg.TryRegister(ctx, "/repos/z", "U1"))
			all, err = reg.GetAll(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"/repos/z"}, roots(all))

			backups, err := filepath.Glob(reg.Path() + ".corrupt-*")
			require.NoError(t, err)
			assert.Len(t, backups, 1)
		})
	}
}

func TestLegacyHeaderAccepted(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	require.NoError(t, os.MkdirAll(reg.DataDir(), 0755))
	content := "1\n" +
		`{"EnlistmentRoot":"/repos/a","OwnerSID":"U1","IsActive":true}` + "\n\n" +
		`{"EnlistmentRoot":"/repos/b","OwnerSID":"U2","IsActive":false}` + "\n"
	require.NoError(t, os.WriteFile(reg.Path(), []byte(content), 0644))

	all, err := reg.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/repos/a", "/repos/b"}, roots(all))
	assert.False(t, all[1].IsActive)
}

func TestEmptyFileIsEmptyRegistry(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, os.MkdirAll(reg.DataDir(), 0755))
	require.NoError(t, os.WriteFile(reg.Path(), nil, 0644))

	all, err := reg.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestConcurrentRegistrations(t *testing.T) {
	ctx := context.Background()
	dataDir := filepath.Join(t.TempDir(), "data")

	// Two instances share the file, as the service and a CLI would.
	a := New(Options{DataDir: dataDir, Normalize: CleanOnly})
	b := New(Options{DataDir: dataDir, Normalize: CleanOnly})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg := a
			if i%2 == 1 {
				reg = b
			}
			assert.NoError(t, reg.TryRegister(ctx, filepath.Join("/repos", string(rune('a'+i))), "U1"))
		}(i)
	}
	wg.Wait()

	all, err := a.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestPauseMaintenance(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	now := time.Unix(1_700_000_000, 0)
	reg.now = func() time.Time { return now }

	_, paused, err := reg.MaintenancePausedUntil(ctx)
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, reg.PauseMaintenanceUntil(ctx, now.Add(time.Hour)))
	until, paused, err := reg.MaintenancePausedUntil(ctx)
	require.NoError(t, err)
	assert.True(t, paused)
	assert.Equal(t, now.Add(time.Hour).Unix(), until.Unix())

	// Expired pauses are cleaned up.
	reg.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, paused, err = reg.MaintenancePausedUntil(ctx)
	require.NoError(t, err)
	assert.False(t, paused)
	_, err = os.Stat(filepath.Join(reg.DataDir(), PauseFileName))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, reg.PauseMaintenanceUntil(ctx, now.Add(time.Hour)))
	require.NoError(t, reg.RemovePause(ctx))
	require.NoError(t, reg.RemovePause(ctx))
}

func TestWatch_ReportsChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := newTestRegistry(t)

	changed := make(chan struct{}, 16)
	require.NoError(t, reg.Watch(ctx, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))

	require.NoError(t, reg.TryRegister(ctx, "/repos/a", "U1"))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification after register")
	}
}

func TestNormalize(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	require.NoError(t, os.Mkdir(target, 0755))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(target, link))

	want, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)

	got, err := Normalize(link + "/")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	missing := filepath.Join(dir, "missing", "..", "gone")
	got, err = Normalize(missing)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "gone"), got)
}
