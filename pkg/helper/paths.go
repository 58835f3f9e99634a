package helper

import (
	"os"
	"path/filepath"
)

const (
	defaultCfgDir  = "/etc/kefu"
	defaultPIDPath = "/var/run/kefu-server.pid"
)

// GetCfgPath returns the path to the configuration file.
//
// Priority:
// 1. If filename is an absolute path, return it directly.
// 2. Check ./{filename} and ./configs/{filename}
// 3. Otherwise, fallback to /etc/kefu/{filename}
func GetCfgPath(filename string) string {
	if filename == "" {
		panic("filename cannot be empty")
	}
	if filepath.IsAbs(filename) {
		return filename
	}

	for _, dir := range []string{".", "configs"} {
		if p := existingUnderWorkdir(filepath.Join(dir, filename)); p != "" {
			return p
		}
	}
	return filepath.Join(defaultCfgDir, filename)
}

// GetPIDPath returns the path to the PID file.
//
// A relative filename resolves under the working directory as long as its
// parent directory already exists.
func GetPIDPath(filename string) string {
	if filename == "" {
		return defaultPIDPath
	}
	if filepath.IsAbs(filename) {
		return filename
	}

	wd, err := os.Getwd()
	if err != nil || wd == "" {
		return defaultPIDPath
	}
	abs, err := filepath.Abs(filepath.Join(wd, filename))
	if err != nil {
		return defaultPIDPath
	}
	if _, err := os.Stat(filepath.Dir(abs)); err != nil {
		return defaultPIDPath
	}
	return abs
}

func existingUnderWorkdir(rel string) string {
	wd, err := os.Getwd()
	if err != nil || wd == "" {
		return ""
	}
	candidate := filepath.Join(wd, rel)
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return ""
	}
	return abs
}
