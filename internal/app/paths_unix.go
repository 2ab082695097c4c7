//go:build !windows

package app

var (
	systemConfigRoot  = "/etc"
	systemStateRoot   = "/var/lib"
	systemRuntimeRoot = "/run"
)
