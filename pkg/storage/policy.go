package storage

import (
	"fmt"
	"path/filepath"

	"rig-shutter/pkg/storage/util"
)

// Policy decides which recording paths receive a camera's frames.
type Policy string

const (
	// PolicySplit sends camera i to path i%2, falling back to the first
	// configured path.
	PolicySplit Policy = "split"
	// PolicyMirror sends every frame to every configured path.
	PolicyMirror Policy = "mirror"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicySplit:
		return PolicySplit, nil
	case PolicyMirror:
		return PolicyMirror, nil
	}
	return "", fmt.Errorf("unknown path policy %q", s)
}

// Roots returns the configured paths of camera index.
func (p Policy) Roots(paths [2]string, index int) []string {
	set := util.NonEmpty(paths[:]...)
	if len(set) == 0 {
		return nil
	}
	if p == PolicyMirror {
		return set
	}
	if chosen := paths[index%2]; chosen != "" {
		return []string{chosen}
	}
	return set[:1]
}

// SessionDirs returns the session directories of camera index.
func (p Policy) SessionDirs(paths [2]string, session string, index int) []string {
	roots := p.Roots(paths, index)
	dirs := make([]string, 0, len(roots))
	for _, r := range roots {
		dirs = append(dirs, filepath.Join(r, session))
	}
	return dirs
}
