//go:build !debug

package affinity

// captureStacks is off in release builds; runtime.Stack on the failure path
// is only worth it while debugging.
const captureStacks = false
