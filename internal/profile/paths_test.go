package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirHonorsHomeEnv(t *testing.T) {
	base := t.TempDir()
	t.Setenv(HomeEnv, base)

	got := Dir("main")
	want := filepath.Join(base, "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestDefaultBaseDir(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	if got := BaseDir(); got != filepath.Join(home, ".erpchat") {
		t.Errorf("BaseDir() = %q", got)
	}
}

func TestPaths(t *testing.T) {
	tests := []struct {
		got    string
		suffix string
	}{
		{SocketPath("test"), filepath.Join("profiles", "test", "daemon.sock")},
		{LockPath("test"), filepath.Join("profiles", "test", "messages.db.lock")},
		{DBPath("test"), filepath.Join("profiles", "test", "messages.db")},
		{ConfigPath("test"), filepath.Join("profiles", "test", "profile.toml")},
		{EnvPath("test"), filepath.Join("profiles", "test", ".env")},
		{LogPath("test"), filepath.Join("profiles", "test", "logs", "erpchatd.log")},
	}
	for _, tt := range tests {
		if !strings.HasSuffix(tt.got, tt.suffix) {
			t.Errorf("%q does not end with %q", tt.got, tt.suffix)
		}
	}
}

func TestEnsureDirAndList(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if err := EnsureDir("work"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("work"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("log dir is not a directory")
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("perm = %o, want 0700", perm)
	}

	// Directories with invalid names are ignored.
	if err := os.MkdirAll(filepath.Join(BaseDir(), "profiles", "Bad Name"), 0700); err != nil {
		t.Fatal(err)
	}
	names, err := List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "work" {
		t.Errorf("List() = %v, want [work]", names)
	}
}

func TestResolve(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if got := Resolve("override"); got != "override" {
		t.Errorf("Resolve(override) = %q", got)
	}
	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultName)
	}
}
