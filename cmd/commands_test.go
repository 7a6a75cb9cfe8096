// Copyright 2024 The llmrouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package routercmd

import (
	"os"
	"path/filepath"
	"testing"
)

func runMain(t *testing.T, args ...string) int {
	t.Helper()
	oldArgs := os.Args
	os.Args = append([]string{"llmrouter"}, args...)
	defer func() { os.Args = oldArgs }()
	return Main()
}

func TestCheckConfigOK(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.toml")
	if err := os.WriteFile(path, []byte(`[servers]
servers = [{ url = "http://gpu-1:8000", max_concurrent_requests = 4 }]
`), 0o644); err != nil {
		t.Fatal(err)
	}

	if code := runMain(t, "check-config", "--config", path); code != ExitOK {
		t.Errorf("exit code = %d, want %d", code, ExitOK)
	}
}

func TestCheckConfigBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.toml")
	if err := os.WriteFile(path, []byte(`garbage {{{`), 0o644); err != nil {
		t.Fatal(err)
	}

	if code := runMain(t, "check-config", "--config", path); code != ExitBadConfig {
		t.Errorf("exit code = %d, want %d", code, ExitBadConfig)
	}
}

func TestCheckConfigMissingFile(t *testing.T) {
	if code := runMain(t, "check-config", "--config", "/does/not/exist.toml"); code != ExitBadConfig {
		t.Errorf("exit code = %d, want %d", code, ExitBadConfig)
	}
}

func TestVersionCommand(t *testing.T) {
	if code := runMain(t, "version"); code != ExitOK {
		t.Errorf("exit code = %d, want %d", code, ExitOK)
	}
}

func TestLoggerLevels(t *testing.T) {
	for _, lvl := range []string{"DEBUG", "INFO", "warn", "error"} {
		if _, err := newLogger(lvl, false); err != nil {
			t.Errorf("level %q rejected: %v", lvl, err)
		}
	}
	if _, err := newLogger("shouting", true); err == nil {
		t.Error("bogus level accepted")
	}
}
