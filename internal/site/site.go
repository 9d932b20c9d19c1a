// Package site derives the collaboration site a repository node belongs to from its path.
package site

import "strings"

// Anchor is the folder name under which every site lives.
const Anchor = "sites"

// Resolve returns the segment that follows the first Anchor segment, with any namespace or
// prefix qualifier stripped. It reports false when the anchor is missing or is the last segment.
func Resolve(segments []string) (string, bool) {
	for i, segment := range segments {
		if LocalName(segment) != Anchor {
			continue
		}
		if i+1 >= len(segments) {
			return "", false
		}
		name := LocalName(segments[i+1])
		if name == "" {
			return "", false
		}
		return name, true
	}
	return "", false
}

// ResolvePath is Resolve over a slash separated repository path.
func ResolvePath(path string) (string, bool) {
	return Resolve(SplitPath(path))
}

// LocalName strips a "{namespace-uri}" qualifier or a "prefix:" qualifier from a path segment.
func LocalName(segment string) string {
	if i := strings.LastIndexByte(segment, '}'); i >= 0 {
		return segment[i+1:]
	}
	if i := strings.IndexByte(segment, ':'); i >= 0 {
		return segment[i+1:]
	}
	return segment
}

// SplitPath splits path on '/' while keeping namespace URIs inside braces intact, so
// "/{http://www.alfresco.org/model/site/1.0}sites" yields one segment. Empty segments are dropped.
func SplitPath(path string) []string {
	var (
		segments []string
		depth    int
		start    int
	)
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		case '/':
			if depth == 0 {
				if i > start {
					segments = append(segments, path[start:i])
				}
				start = i + 1
			}
		}
	}
	if start < len(path) {
		segments = append(segments, path[start:])
	}
	return segments
}
