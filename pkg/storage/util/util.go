package util

import (
	"os"

	"rig-shutter/pkg/storage/consts"
)

func MkdirAll(dirs ...string) error {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		err := os.MkdirAll(d, consts.DefaultDirPerm)
		if err != nil {
			return err
		}
	}

	return nil
}

// NonEmpty returns the non-empty entries of paths, in order.
func NonEmpty(paths ...string) []string {
	var res []string
	for _, p := range paths {
		if p != "" {
			res = append(res, p)
		}
	}

	return res
}
