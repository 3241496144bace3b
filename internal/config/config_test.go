package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/sstore/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func Test_Load_Returns_Defaults_When_No_Config_Files_Exist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, err := config.Load(dir, "", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := config.Default()
	if cfg != want {
		t.Fatalf("Load: got=%+v want=%+v", cfg, want)
	}
}

func Test_Load_Applies_The_Project_Local_Config_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.ConfigFileName), `{"store_path": "/data/blobs.sstore"}`)

	cfg, err := config.Load(dir, "", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.StorePath != "/data/blobs.sstore" {
		t.Fatalf("StorePath: got=%q want=%q", cfg.StorePath, "/data/blobs.sstore")
	}

	if cfg.Writeback != "sync" {
		t.Fatalf("Writeback: fields absent from the project file should keep their default, got=%q", cfg.Writeback)
	}
}

func Test_Load_Accepts_JSON_With_Comments_And_Trailing_Commas(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.ConfigFileName), `{
		// inline comment
		"store_path": "/data/blobs.sstore",
		"writeback": "async",
	}`)

	cfg, err := config.Load(dir, "", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Writeback != "async" {
		t.Fatalf("Writeback: got=%q want=%q", cfg.Writeback, "async")
	}
}

func Test_Load_Explicit_Config_Path_Overrides_The_Project_Local_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.ConfigFileName), `{"store_path": "/project/path.sstore"}`)

	explicit := filepath.Join(dir, "explicit.json")
	writeFile(t, explicit, `{"store_path": "/explicit/path.sstore"}`)

	cfg, err := config.Load(dir, explicit, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.StorePath != "/explicit/path.sstore" {
		t.Fatalf("StorePath: got=%q want=%q", cfg.StorePath, "/explicit/path.sstore")
	}
}

func Test_Load_Returns_An_Error_When_The_Explicit_Config_Path_Does_Not_Exist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := config.Load(dir, filepath.Join(dir, "missing.json"), nil)
	if err == nil {
		t.Fatal("Load: expected an error for a missing explicit config path")
	}
}

func Test_Load_Ignores_A_Missing_Global_Config_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	env := []string{"XDG_CONFIG_HOME=" + filepath.Join(dir, "does-not-exist")}

	cfg, err := config.Load(dir, "", env)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg != config.Default() {
		t.Fatalf("Load: got=%+v want=%+v", cfg, config.Default())
	}
}

func Test_Load_Precedence_Global_Then_Project_Then_Explicit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	globalDir := filepath.Join(dir, "xdg", "sstore")
	if err := os.MkdirAll(globalDir, 0o750); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	writeFile(t, filepath.Join(globalDir, "config.json"), `{"store_path": "/global.sstore", "grow_spare_bytes": 111}`)
	writeFile(t, filepath.Join(dir, config.ConfigFileName), `{"store_path": "/project.sstore"}`)

	env := []string{"XDG_CONFIG_HOME=" + filepath.Join(dir, "xdg")}

	cfg, err := config.Load(dir, "", env)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.StorePath != "/project.sstore" {
		t.Fatalf("StorePath: project config should win over global, got=%q", cfg.StorePath)
	}

	if cfg.GrowSpareBytes != 111 {
		t.Fatalf("GrowSpareBytes: should still come from global config, got=%d want=111", cfg.GrowSpareBytes)
	}
}

func Test_Load_Returns_An_Error_For_Invalid_JSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.ConfigFileName), `{not valid json`)

	_, err := config.Load(dir, "", nil)
	if err == nil {
		t.Fatal("Load: expected an error for invalid JSON in the project config")
	}
}
