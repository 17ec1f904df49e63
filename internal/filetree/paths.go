package filetree

import "strings"

// ParentDir returns the directory containing path, or "" for top-level
// entries.
func ParentDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// BaseName returns the last segment of path.
func BaseName(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// Join appends name to dir; an empty dir is the repository root.
func Join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// Within reports whether path equals prefix or lies beneath it.
func Within(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// StrictlyWithin reports whether path lies beneath prefix and is not prefix
// itself.
func StrictlyWithin(path, prefix string) bool {
	if prefix == "" {
		return path != ""
	}
	return strings.HasPrefix(path, prefix+"/")
}

// Rebase replaces oldPrefix with newPrefix when path is within oldPrefix.
func Rebase(path, oldPrefix, newPrefix string) (string, bool) {
	if path == oldPrefix {
		return newPrefix, true
	}
	if oldPrefix != "" && strings.HasPrefix(path, oldPrefix+"/") {
		return newPrefix + path[len(oldPrefix):], true
	}
	return path, false
}

// RewritePath maps path through the first move record whose old path covers
// it. Records are expected to be disjoint.
func RewritePath(path string, records []MoveRecord) (string, bool) {
	for _, rec := range records {
		if next, ok := Rebase(path, rec.OldPath, rec.NewPath); ok {
			return next, true
		}
	}
	return path, false
}

// RewriteSet returns a copy of set with every member mapped through records.
func RewriteSet(set PathSet, records []MoveRecord) PathSet {
	out := make(PathSet, len(set))
	for p := range set {
		next, _ := RewritePath(p, records)
		out.Add(next)
	}
	return out
}

// Ancestors lists every proper ancestor directory of path, outermost first.
func Ancestors(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		out = append(out, strings.Join(parts[:i], "/"))
	}
	return out
}

// SplitPath splits a slash-separated path, ignoring empty segments.
func SplitPath(path string) []string {
	raw := strings.Split(path, "/")
	parts := raw[:0]
	for _, part := range raw {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// CleanPath trims surrounding slashes and collapses empty segments.
func CleanPath(path string) string {
	return strings.Join(SplitPath(strings.TrimSpace(path)), "/")
}
