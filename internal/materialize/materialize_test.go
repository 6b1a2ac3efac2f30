package materialize

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/locketsh/locket/internal/unit"
)

func TestWriteFile_CreatesParentDirsAndAppliesMode(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "nested", "out.env")

	mtime, err := WriteFile(dest, []byte("KEY=value"), 0o640, 0o750, nil)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if mtime.IsZero() {
		t.Error("expected non-zero mtime")
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading dest: %v", err)
	}
	if string(data) != "KEY=value" {
		t.Errorf("got %q", data)
	}

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("got mode %o, want 0640", info.Mode().Perm())
	}
}

func TestWriteFile_OverwritesExistingAtomically(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.env")

	if _, err := WriteFile(dest, []byte("first"), 0o600, 0o700, nil); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := WriteFile(dest, []byte("second"), 0o600, 0o700, nil); err != nil {
		t.Fatalf("second write: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("got %q, want %q", data, "second")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly one file in %s, got %d (temp file leaked?)", dir, len(entries))
	}
}

func TestMaterialize_EnvironmentEntry(t *testing.T) {
	u := unit.TemplateUnit{
		Destination: unit.Destination{Kind: unit.DestinationEnvironmentEntry, Name: "API_KEY"},
	}
	env := make(map[string][]byte)

	state := Materialize(u, []byte("secret-value"), env, nil)
	if state.Kind != unit.ReadyOK {
		t.Fatalf("got state %+v", state)
	}
	if string(env["API_KEY"]) != "secret-value" {
		t.Errorf("got env %q", env["API_KEY"])
	}
}

func TestMaterialize_PathOnDisk(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.env")
	u := unit.TemplateUnit{
		Destination: unit.Destination{Kind: unit.DestinationPathOnDisk, Path: dest},
		FileMode:    0o600,
		DirMode:     0o700,
	}

	state := Materialize(u, []byte("data"), make(map[string][]byte), nil)
	if state.Kind != unit.ReadyOK {
		t.Fatalf("got state %+v (err=%v)", state, state.Err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "data" {
		t.Errorf("got %q", data)
	}
}

func TestMaterialize_VolumeMountWithoutManagerFails(t *testing.T) {
	u := unit.TemplateUnit{
		Destination: unit.Destination{Kind: unit.DestinationVolumeMount, VolumeID: "v1", Path: "secret.env"},
	}

	state := Materialize(u, []byte("data"), make(map[string][]byte), nil)
	if state.Kind != unit.ReadyFailed {
		t.Fatalf("expected ReadyFailed without a volume manager, got %+v", state)
	}
}

func TestResolveOwner_UserOnly(t *testing.T) {
	current, err := user.Current()
	if err != nil {
		t.Skipf("cannot determine current user: %v", err)
	}
	uid, _, err := resolveOwner(current.Username)
	if err != nil {
		t.Fatalf("resolveOwner: %v", err)
	}
	if uid != os.Getuid() {
		t.Errorf("got uid %d, want %d", uid, os.Getuid())
	}
}
