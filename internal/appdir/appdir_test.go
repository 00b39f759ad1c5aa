package appdir

import (
	"os"
	"path/filepath"
	"testing"
)

func useTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(TandemDirEnv, dir)
	ResetCache()
	t.Cleanup(ResetCache)
	return dir
}

func TestDirHonorsEnvOverride(t *testing.T) {
	want := useTempDir(t)

	got, err := Dir()
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	if got != want {
		t.Errorf("Dir = %q, want %q", got, want)
	}
}

func TestDirIsCached(t *testing.T) {
	first := useTempDir(t)
	if _, err := Dir(); err != nil {
		t.Fatal(err)
	}

	// Changing the env after the first resolution has no effect until the
	// cache is reset.
	t.Setenv(TandemDirEnv, t.TempDir())
	got, err := Dir()
	if err != nil {
		t.Fatal(err)
	}
	if got != first {
		t.Errorf("Dir = %q, want cached %q", got, first)
	}
}

func TestEnsureDirCreatesLayout(t *testing.T) {
	dir := useTempDir(t)

	if err := EnsureDir(); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}

	sessions := filepath.Join(dir, SessionsDirName)
	info, err := os.Stat(sessions)
	if err != nil {
		t.Fatalf("sessions dir missing: %v", err)
	}
	if !info.IsDir() {
		t.Error("sessions path is not a directory")
	}
}

func TestSettingsAndSessionsPaths(t *testing.T) {
	dir := useTempDir(t)

	settings, err := SettingsPath()
	if err != nil {
		t.Fatal(err)
	}
	if settings != filepath.Join(dir, SettingsFileName) {
		t.Errorf("SettingsPath = %q", settings)
	}

	sessions, err := SessionsDir()
	if err != nil {
		t.Fatal(err)
	}
	if sessions != filepath.Join(dir, SessionsDirName) {
		t.Errorf("SessionsDir = %q", sessions)
	}
}
