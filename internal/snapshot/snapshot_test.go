package snapshot

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/boshu2/aion/internal/storage"
	"github.com/boshu2/aion/internal/types"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	files := storage.NewFileStorage(root)
	if err := files.Init(); err != nil {
		t.Fatal(err)
	}
	return NewStore(files, opts...), root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, root, rel string) (string, bool) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	if os.IsNotExist(err) {
		return "", false
	}
	if err != nil {
		t.Fatal(err)
	}
	return string(data), true
}

func TestCapture_RecordsExistence(t *testing.T) {
	store, root := newTestStore(t)
	writeFile(t, root, "docs/prd.md", "# PRD\n")

	snap, err := store.Capture([]string{"docs/prd.md", "missing.txt", "missing-dir/x.txt"})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	prd := snap.Files["docs/prd.md"]
	if !prd.Existed || string(prd.Content) != "# PRD\n" || prd.Size != 6 {
		t.Errorf("Capture() prd = %+v", prd)
	}
	if prd.Digest != ContentDigest([]byte("# PRD\n")) {
		t.Errorf("Capture() digest = %q", prd.Digest)
	}
	if prd.ModTime.IsZero() || prd.Mode == 0 {
		t.Errorf("Capture() metadata missing: %+v", prd)
	}
	if snap.Files["missing.txt"].Existed {
		t.Error("Capture() missing.txt should not exist")
	}
	if !strings.HasPrefix(snap.ID, "rollback-") {
		t.Errorf("Capture() id = %q", snap.ID)
	}
}

func TestCapture_DoesNotMutate(t *testing.T) {
	store, root := newTestStore(t)
	writeFile(t, root, "a.txt", "alpha")

	if _, err := store.Capture([]string{"a.txt", "b.txt"}); err != nil {
		t.Fatal(err)
	}
	if got, _ := readFile(t, root, "a.txt"); got != "alpha" {
		t.Errorf("a.txt = %q after capture", got)
	}
	if _, exists := readFile(t, root, "b.txt"); exists {
		t.Error("capture created b.txt")
	}
}

func TestCapture_DirectoryIsIOError(t *testing.T) {
	store, root := newTestStore(t)
	if err := os.MkdirAll(filepath.Join(root, "dir"), 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := store.Capture([]string{"dir"})
	if !errors.Is(err, types.ErrIO) {
		t.Fatalf("Capture(dir) error = %v, want ErrIO", err)
	}
}

func TestCapture_UnreadableIsIOError(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read any file")
	}
	store, root := newTestStore(t)
	writeFile(t, root, "secret.txt", "x")
	if err := os.Chmod(filepath.Join(root, "secret.txt"), 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(root, "secret.txt"), 0o644) })

	_, err := store.Capture([]string{"secret.txt"})
	if !errors.Is(err, types.ErrIO) {
		t.Fatalf("Capture(unreadable) error = %v, want ErrIO", err)
	}
}

func TestRestoreImmediatelyAfterCaptureIsNoOp(t *testing.T) {
	store, root := newTestStore(t)
	writeFile(t, root, "a.txt", "alpha")
	writeFile(t, root, "sub/b.txt", "beta")
	paths := []string{"a.txt", "sub/b.txt", "c.txt"}

	snap, err := store.Capture(paths)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Restore(snap); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if got, _ := readFile(t, root, "a.txt"); got != "alpha" {
		t.Errorf("a.txt = %q", got)
	}
	if got, _ := readFile(t, root, "sub/b.txt"); got != "beta" {
		t.Errorf("sub/b.txt = %q", got)
	}
	if _, exists := readFile(t, root, "c.txt"); exists {
		t.Error("c.txt should not exist")
	}
}

func TestRestore_RevertsMutationsAndIsIdempotent(t *testing.T) {
	store, root := newTestStore(t)
	writeFile(t, root, "keep.txt", "original")
	writeFile(t, root, "gone.txt", "will be deleted")

	snap, err := store.Capture([]string{"keep.txt", "gone.txt", "new/created.txt"})
	if err != nil {
		t.Fatal(err)
	}
	before, err := os.Stat(filepath.Join(root, "keep.txt"))
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, root, "keep.txt", "modified")
	if err := os.Remove(filepath.Join(root, "gone.txt")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, root, "new/created.txt", "fresh")

	for i := 0; i < 2; i++ {
		if err := store.Restore(snap); err != nil {
			t.Fatalf("Restore() #%d error = %v", i+1, err)
		}
		if got, _ := readFile(t, root, "keep.txt"); got != "original" {
			t.Errorf("keep.txt = %q, want original", got)
		}
		if got, _ := readFile(t, root, "gone.txt"); got != "will be deleted" {
			t.Errorf("gone.txt = %q", got)
		}
		if _, exists := readFile(t, root, "new/created.txt"); exists {
			t.Error("new/created.txt should be removed")
		}
	}

	after, err := os.Stat(filepath.Join(root, "keep.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Errorf("mod time = %v, want %v", after.ModTime(), before.ModTime())
	}
}

func TestRestore_PartialFailureReportsPaths(t *testing.T) {
	store, root := newTestStore(t)
	writeFile(t, root, "a.txt", "alpha")

	snap, err := store.Capture([]string{"a.txt", "blocked.txt"})
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, root, "a.txt", "changed")
	// A directory where a file must be absent cannot be removed by restore.
	if err := os.MkdirAll(filepath.Join(root, "blocked.txt"), 0o755); err != nil {
		t.Fatal(err)
	}

	err = store.Restore(snap)
	var restoreErr *RestoreError
	if !errors.As(err, &restoreErr) {
		t.Fatalf("Restore() error = %v, want *RestoreError", err)
	}
	if !errors.Is(err, types.ErrIO) {
		t.Error("RestoreError should match ErrIO")
	}
	if got := restoreErr.FailedPaths(); len(got) != 1 || got[0] != "blocked.txt" {
		t.Errorf("FailedPaths() = %v, want [blocked.txt]", got)
	}
	if len(restoreErr.Restored) != 1 || restoreErr.Restored[0] != "a.txt" {
		t.Errorf("Restored = %v, want [a.txt]", restoreErr.Restored)
	}
	if got, _ := readFile(t, root, "a.txt"); got != "alpha" {
		t.Errorf("a.txt = %q, want alpha despite other failure", got)
	}
}

func TestResolveRejectsEscape(t *testing.T) {
	store, _ := newTestStore(t)
	for _, p := range []string{"../x", "a/../../x", "/etc/passwd", ""} {
		if _, err := store.resolve(p); err == nil {
			t.Errorf("resolve(%q) expected error", p)
		}
	}
}

func TestSaveLoad_RoundTripAllCompressions(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(string(c), func(t *testing.T) {
			store, root := newTestStore(t, WithCompression(c))
			big := strings.Repeat("compressible line of text\n", 400)
			writeFile(t, root, "big.txt", big)
			writeFile(t, root, "tiny.txt", "x")
			writeFile(t, root, "empty.txt", "")

			snap, err := store.Capture([]string{"big.txt", "tiny.txt", "empty.txt", "absent.txt"})
			if err != nil {
				t.Fatal(err)
			}
			snap.CommitID = "Developer-impl-1"
			if err := store.Save(snap); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			loaded, err := store.Load(snap.ID)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if loaded.CommitID != "Developer-impl-1" {
				t.Errorf("CommitID = %q", loaded.CommitID)
			}
			for _, p := range snap.Paths() {
				want, got := snap.Files[p], loaded.Files[p]
				if want.Existed != got.Existed || !bytes.Equal(want.Content, got.Content) || want.Mode != got.Mode {
					t.Errorf("%s: loaded %+v, want %+v", p, got, want)
				}
				if want.Existed && !want.ModTime.Equal(got.ModTime) {
					t.Errorf("%s: mod time %v, want %v", p, got.ModTime, want.ModTime)
				}
			}
		})
	}
}

func TestSave_NeverRewrites(t *testing.T) {
	store, root := newTestStore(t)
	writeFile(t, root, "a.txt", "one")
	snap, err := store.Capture([]string{"a.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(snap); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(snap); !errors.Is(err, types.ErrPersistence) {
		t.Errorf("second Save() error = %v, want ErrPersistence", err)
	}
}

func TestDiscard(t *testing.T) {
	store, root := newTestStore(t)
	writeFile(t, root, "a.txt", "one")
	snap, err := store.Capture([]string{"a.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(snap); err != nil {
		t.Fatal(err)
	}

	if err := store.Discard(snap.ID); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if ids, _ := store.List(); len(ids) != 0 {
		t.Errorf("List() after Discard = %v, want empty", ids)
	}
	if err := store.Discard(snap.ID); err != nil {
		t.Errorf("second Discard() error = %v, want nil", err)
	}
	if err := store.Discard("../ledger"); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("Discard(../ledger) error = %v, want ErrInvalidState", err)
	}
}

func TestLoad_NotFoundAndInvalidID(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Load("rollback-0-missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := store.Load("../ledger"); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("Load(../ledger) error = %v, want ErrInvalidState", err)
	}
}

func TestLoad_DetectsTampering(t *testing.T) {
	store, root := newTestStore(t, WithCompression(CompressionNone))
	writeFile(t, root, "a.txt", "abc")
	snap, err := store.Capture([]string{"a.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(snap); err != nil {
		t.Fatal(err)
	}

	path := store.path(snap.ID)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// "abc" base64-encodes to "YWJj"; "abd" is "YWJk".
	tampered := bytes.Replace(data, []byte(`"YWJj"`), []byte(`"YWJk"`), 1)
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Load(snap.ID); !errors.Is(err, types.ErrIO) {
		t.Errorf("Load(tampered) error = %v, want ErrIO", err)
	}
}

func TestList_CreationOrder(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	store, root := newTestStore(t, WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	writeFile(t, root, "a.txt", "a")

	var want []string
	for i := 0; i < 3; i++ {
		snap, err := store.Capture([]string{"a.txt"})
		if err != nil {
			t.Fatal(err)
		}
		if err := store.Save(snap); err != nil {
			t.Fatal(err)
		}
		want = append(want, snap.ID)
	}

	got, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("List() = %v, want %v", got, want)
	}
}

func TestMatches(t *testing.T) {
	store, root := newTestStore(t)
	writeFile(t, root, "a.txt", "a")
	snap, err := store.Capture([]string{"a.txt", "b.txt"})
	if err != nil {
		t.Fatal(err)
	}

	if ok, _ := store.Matches("a.txt", snap.Files["a.txt"]); !ok {
		t.Error("Matches(a.txt) = false before change")
	}
	writeFile(t, root, "a.txt", "changed")
	writeFile(t, root, "b.txt", "new")
	if ok, _ := store.Matches("a.txt", snap.Files["a.txt"]); ok {
		t.Error("Matches(a.txt) = true after change")
	}
	if ok, _ := store.Matches("b.txt", snap.Files["b.txt"]); ok {
		t.Error("Matches(b.txt) = true after creation")
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{"", CompressionZstd, false},
		{"zstd", CompressionZstd, false},
		{"lz4", CompressionLZ4, false},
		{"none", CompressionNone, false},
		{"gzip", "", true},
	}
	for _, tt := range tests {
		got, err := ParseCompression(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseCompression(%q) = %q, %v", tt.in, got, err)
		}
	}
}
