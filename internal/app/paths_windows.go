//go:build windows

package app

import (
	"os"
	"path/filepath"
)

var (
	systemConfigRoot  = programData()
	systemStateRoot   = programData()
	systemRuntimeRoot = programData()
)

func programData() string {
	if dir := os.Getenv("ProgramData"); dir != "" {
		return dir
	}

	return filepath.Join(os.Getenv("SystemDrive")+`\`, "ProgramData")
}
