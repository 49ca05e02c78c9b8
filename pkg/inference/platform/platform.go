package platform

import "runtime"

// SupportsMLX returns true if MLX is supported on the current platform.
// MLX is only supported on macOS with ARM64 architecture (Apple Silicon).
func SupportsMLX() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}

// SupportsGGUF returns true if the gguf worker is supported on the current
// platform. The worker builds for every platform the daemon does.
func SupportsGGUF() bool {
	return true
}
