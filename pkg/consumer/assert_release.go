//go:build !frametrace_debug
// +build !frametrace_debug

package consumer

const debugAssertions = false
