//go:build !tlmdebug

package config

const debugBuild = false
