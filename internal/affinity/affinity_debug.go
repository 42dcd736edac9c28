//go:build debug

package affinity

// captureStacks attaches the offending stack to every ViolationError.
//
// To enable: go test -tags debug ./...
const captureStacks = true
