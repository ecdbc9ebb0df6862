package utils

import "strings"

// FileNameWithoutExt extracts the base filename without extension from a
// file path.
func FileNameWithoutExt(path string) string {
	base := path[strings.LastIndex(path, "/")+1:]
	if idx := strings.LastIndex(base, "."); idx != -1 {
		base = base[:idx]
	}
	return base
}

// SanitizeFileName replaces characters that are unsafe in stored filenames.
func SanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, name)
}
