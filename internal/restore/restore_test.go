package restore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdbrns/go-whatsapp-userbot/internal/archive"
	"github.com/gdbrns/go-whatsapp-userbot/internal/authstate"
	"github.com/gdbrns/go-whatsapp-userbot/internal/authstore"
)

type failingStore struct {
	authstore.MemoryStore
	err error
}

func (f *failingStore) Load(context.Context) (*authstore.Session, error) { return nil, f.err }

func manifest() *authstate.Manifest {
	return &authstate.Manifest{
		NoiseKey:          &authstate.PublicKey{Public: []byte("noise")},
		SignedIdentityKey: &authstate.PublicKey{Public: []byte("identity")},
		SignedPreKey:      &authstate.SignedPreKey{KeyID: 1, Public: []byte("spk"), Signature: []byte("sig")},
		RegistrationID:    4242,
	}
}

// buildSession writes a manifest plus key files into a fresh directory and
// returns the packed archive together with the expected file contents.
func buildSession(t *testing.T, m *authstate.Manifest, keyFiles map[string]int) ([]byte, map[string][]byte) {
	t.Helper()
	src := authstate.New(t.TempDir(), nil)
	require.NoError(t, src.Ensure())
	require.NoError(t, src.WriteManifest(m))

	want := make(map[string][]byte)
	creds, err := os.ReadFile(src.CredsPath())
	require.NoError(t, err)
	want[authstate.CredsFile] = creds

	for name, size := range keyFiles {
		b := make([]byte, size)
		_, err := rand.Read(b)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(src.KeysPath(), name), b, 0o600))
		want[authstate.KeysDir+"/"+name] = b
	}

	blob, err := archive.Pack(src.Dir, src.ArchivePaths())
	require.NoError(t, err)
	return blob, want
}

func readTree(t *testing.T, root string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	require.NoError(t, filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = b
		return nil
	}))
	return out
}

func newRestorer(t *testing.T, store authstore.Store) (*Restorer, *authstate.Layout, string) {
	t.Helper()
	layout := authstate.New(filepath.Join(t.TempDir(), "auth"), nil)
	r := New(store, layout)
	r.tempDir = t.TempDir()
	return r, layout, r.tempDir
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary archive must be removed")
}

func TestRestore_Absent(t *testing.T) {
	r, layout, tmp := newRestorer(t, authstore.NewMemoryStore(""))

	res, err := r.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Absent, res)
	assert.False(t, layout.HasCredentials())
	assertNoTempFiles(t, tmp)
}

func TestRestore_AbsentDiscardsLeftoverAuthDir(t *testing.T) {
	r, layout, tmp := newRestorer(t, authstore.NewMemoryStore(""))

	require.NoError(t, os.MkdirAll(layout.KeysPath(), 0o700))
	require.NoError(t, os.WriteFile(layout.StorePath(), []byte("old device"), 0o600))
	require.NoError(t, layout.WriteManifest(manifest()))
	require.True(t, layout.HasCredentials())

	res, err := r.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Absent, res)
	assert.False(t, layout.HasCredentials())
	_, err = os.Stat(layout.StorePath())
	assert.ErrorIs(t, err, os.ErrNotExist)
	assertNoTempFiles(t, tmp)
}

func TestRestore_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store := authstore.NewMemoryStore("")

	blob, want := buildSession(t, manifest(), map[string]int{
		"store.db":          40 * 1024,
		"session-628.json":  6 * 1024,
		"pre-key-1001.json": 4 * 1024,
	})
	require.Greater(t, len(blob), 50*1024)
	require.NoError(t, store.Save(ctx, blob))

	r, layout, tmp := newRestorer(t, store)

	res, err := r.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, Restored, res)

	got := readTree(t, layout.Dir)
	assert.Equal(t, want, got)

	keys, err := os.ReadDir(layout.KeysPath())
	require.NoError(t, err)
	assert.Len(t, keys, 3)
	assertNoTempFiles(t, tmp)

	stored, err := store.Load(ctx)
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestRestore_MissingRegistrationIDClearsStore(t *testing.T) {
	ctx := context.Background()
	store := authstore.NewMemoryStore("")

	m := manifest()
	m.RegistrationID = 0
	blob, _ := buildSession(t, m, map[string]int{"store.db": 128})
	require.NoError(t, store.Save(ctx, blob))

	r, layout, tmp := newRestorer(t, store)
	layout.CleanupFiles = []string{filepath.Join(filepath.Dir(layout.Dir), "app-state.json")}
	require.NoError(t, os.WriteFile(layout.CleanupFiles[0], []byte("{}"), 0o600))

	res, err := r.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, CorruptedAndCleared, res)

	stored, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored)

	empty, err := layout.Empty()
	require.NoError(t, err)
	assert.True(t, empty)
	assert.NoFileExists(t, layout.CleanupFiles[0])
	assertNoTempFiles(t, tmp)
}

func TestRestore_MalformedArchiveClearsStore(t *testing.T) {
	ctx := context.Background()
	store := authstore.NewMemoryStore("")
	require.NoError(t, store.Save(ctx, []byte("garbage that is not a tar archive at all")))

	r, layout, tmp := newRestorer(t, store)

	res, err := r.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, CorruptedAndCleared, res)

	stored, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.False(t, layout.HasCredentials())
	assertNoTempFiles(t, tmp)
}

func TestRestore_ArchiveWithoutCredentials(t *testing.T) {
	ctx := context.Background()
	store := authstore.NewMemoryStore("")

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "keys"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(src, "keys", "a.json"), []byte("a"), 0o600))
	blob, err := archive.Pack(src, []string{"keys"})
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, blob))

	r, _, _ := newRestorer(t, store)

	res, err := r.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, CorruptedAndCleared, res)
}

func TestRestore_StoreUnavailable(t *testing.T) {
	cause := &authstore.UnavailableError{Op: "load", Err: errors.New("no reachable servers")}
	r, layout, _ := newRestorer(t, &failingStore{err: cause})

	res, err := r.Restore(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, authstore.ErrStoreUnavailable)
	assert.Equal(t, Absent, res)
	assert.False(t, layout.HasCredentials())
}

func TestRestore_ManifestIsJSON(t *testing.T) {
	ctx := context.Background()
	store := authstore.NewMemoryStore("")
	blob, _ := buildSession(t, manifest(), map[string]int{"store.db": 16})
	require.NoError(t, store.Save(ctx, blob))

	r, layout, _ := newRestorer(t, store)
	_, err := r.Restore(ctx)
	require.NoError(t, err)

	raw, err := os.ReadFile(layout.CredsPath())
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Contains(t, fields, "noiseKey")
	assert.Contains(t, fields, "signedIdentityKey")
	assert.Contains(t, fields, "signedPreKey")
	assert.EqualValues(t, 4242, fields["registrationId"])
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "absent", Absent.String())
	assert.Equal(t, "restored", Restored.String())
	assert.Equal(t, "corrupted-and-cleared", CorruptedAndCleared.String())
}
