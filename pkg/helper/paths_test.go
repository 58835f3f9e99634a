package helper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	old, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(old) })
	tmp := t.TempDir()
	_ = os.Chdir(tmp)
	return tmp
}

func sameFile(t *testing.T, want, got string) {
	t.Helper()
	w, _ := filepath.EvalSymlinks(want)
	g, _ := filepath.EvalSymlinks(got)
	assert.Equal(t, w, g)
}

func TestGetCfgPath(t *testing.T) {
	assert.Panics(t, func() { GetCfgPath("") })
	assert.Equal(t, "/tmp/test.yaml", GetCfgPath("/tmp/test.yaml"))

	tmp := chdirTemp(t)

	assert.NoError(t, os.WriteFile("kefu.yaml", []byte("x"), 0o644))
	sameFile(t, filepath.Join(tmp, "kefu.yaml"), GetCfgPath("kefu.yaml"))

	// ./configs is checked second
	_ = os.Remove("kefu.yaml")
	_ = os.MkdirAll("configs", 0o755)
	assert.NoError(t, os.WriteFile(filepath.Join("configs", "kefu.yaml"), []byte("x"), 0o644))
	sameFile(t, filepath.Join(tmp, "configs", "kefu.yaml"), GetCfgPath("kefu.yaml"))

	_ = os.Remove(filepath.Join("configs", "kefu.yaml"))
	assert.Equal(t, filepath.Join("/etc/kefu", "kefu.yaml"), GetCfgPath("kefu.yaml"))
}

func TestGetPIDPath(t *testing.T) {
	assert.Equal(t, "/tmp/xx.pid", GetPIDPath("/tmp/xx.pid"))
	assert.Equal(t, "/var/run/kefu-server.pid", GetPIDPath(""))

	tmp := chdirTemp(t)
	sameFile(t, filepath.Join(tmp, "proc.pid"), GetPIDPath("proc.pid"))

	// parent directory missing
	assert.Equal(t, "/var/run/kefu-server.pid", GetPIDPath(filepath.Join("missing", "proc.pid")))
}
