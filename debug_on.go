//go:build hwdecdebug

package hwdec

const debugChecks = true
