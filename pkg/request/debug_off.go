//go:build !debug

package request

const debugMode = false
