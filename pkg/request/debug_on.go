//go:build debug

package request

const debugMode = true
