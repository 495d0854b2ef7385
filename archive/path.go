package archive

import (
	"fmt"
	"strings"

	vfscache "github.com/wolfeidau/vfs-cache"
)

// Split separates p into the path of an archive and the member inside it.
//
// The archive boundary is the shortest prefix of p that ends in one of exts
// (case-insensitively), is followed by a slash or the end of p, and for which
// exists reports true. A nil exists accepts the first such boundary, which is
// what writers want since the archive may not exist yet. A leading
// "{archive}" group names the archive explicitly, for archive paths that
// themselves contain archive-like segments.
func Split(p string, exts []string, exists func(string) bool) (archivePath, member string, err error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "{") {
		end := strings.LastIndex(p, "}")
		if end < 0 {
			return "", "", fmt.Errorf("unbalanced braces in %s: %w", p, vfscache.ErrBadParameter)
		}
		archivePath = p[1:end]
		member = strings.Trim(p[end+1:], "/")
		if archivePath == "" {
			return "", "", fmt.Errorf("empty archive name in %s: %w", p, vfscache.ErrBadParameter)
		}
		return archivePath, member, nil
	}

	lower := strings.ToLower(p)
	for i := 0; i < len(p); i++ {
		for _, ext := range exts {
			if !strings.HasPrefix(lower[i:], ext) {
				continue
			}
			end := i + len(ext)
			if end < len(p) && p[end] != '/' {
				continue
			}
			candidate := p[:end]
			if exists == nil || exists(candidate) {
				return candidate, strings.Trim(p[end:], "/"), nil
			}
		}
	}
	return "", "", fmt.Errorf("no archive found in %s: %w", p, vfscache.ErrNotFound)
}
