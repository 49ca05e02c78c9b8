package backends

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// maxSocketName keeps socket paths inside the platform sun_path limit.
const maxSocketName = 64

// SocketPath returns the worker socket path for a backend/model pair.
// Model IDs are flattened to a filesystem-safe name; long names are
// truncated with a hash suffix so distinct models never collide.
func SocketPath(dir, backend, modelID string) string {
	name := sanitizeSocketName(modelID)
	if len(name) > maxSocketName {
		sum := sha256.Sum256([]byte(modelID))
		name = name[:maxSocketName-9] + "-" + hex.EncodeToString(sum[:4])
	}
	return filepath.Join(dir, backend+"-"+name+".sock")
}

func sanitizeSocketName(modelID string) string {
	var b strings.Builder
	b.Grow(len(modelID))
	for _, r := range modelID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
