package cli

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestEnvLoaderLoadsFlagPath(t *testing.T) {
	t.Setenv("GEOSTORY_ENV_FILE", "")
	t.Setenv("HORSE_ENV_FILE", "")
	t.Setenv("GEOSTORY_CLI_TEST_VALUE", "")

	path := filepath.Join(t.TempDir(), "geostory.env")
	if err := os.WriteFile(path, []byte("GEOSTORY_CLI_TEST_VALUE=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	loader := AddEnvFlag(fs, ".env", "")
	if err := fs.Parse([]string{"--env", path}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	loaded, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded != path {
		t.Fatalf("expected %s loaded, got %s", path, loaded)
	}
	if got := os.Getenv("GEOSTORY_CLI_TEST_VALUE"); got != "from-file" {
		t.Fatalf("expected value from env file, got %q", got)
	}
}

func TestEnvLoaderPrefersOverrideVariable(t *testing.T) {
	t.Setenv("HORSE_ENV_FILE", "")
	t.Setenv("GEOSTORY_CLI_TEST_VALUE", "")

	dir := t.TempDir()
	override := filepath.Join(dir, "override.env")
	if err := os.WriteFile(override, []byte("GEOSTORY_CLI_TEST_VALUE=override\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("GEOSTORY_ENV_FILE", override)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	loader := AddEnvFlag(fs, filepath.Join(dir, "missing.env"), "")

	loaded, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded != override || os.Getenv("GEOSTORY_CLI_TEST_VALUE") != "override" {
		t.Fatalf("expected override file to win, loaded %s", loaded)
	}
}

func TestEnvLoaderMissingFileIsError(t *testing.T) {
	t.Setenv("GEOSTORY_ENV_FILE", "")
	t.Setenv("HORSE_ENV_FILE", "")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	loader := AddEnvFlag(fs, filepath.Join(t.TempDir(), "missing.env"), "")
	if _, err := loader.Load(); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}
