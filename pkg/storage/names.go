package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"rig-shutter/pkg/storage/consts"
	"rig-shutter/pkg/storage/util"
)

// CameraName maps a rig index to the physical camera.
type CameraName struct {
	Index  int    `json:"index"`
	Serial string `json:"serial"`
	Role   string `json:"role"`
}

// WriteNames dumps the camera names file into every root.
func WriteNames(roots []string, names []CameraName) error {
	data, err := json.MarshalIndent(names, "", "  ")
	if err != nil {
		return err
	}
	for _, root := range roots {
		if err = util.MkdirAll(root); err != nil {
			return err
		}
		if err = os.WriteFile(filepath.Join(root, consts.NamesFile), data, consts.DefaultFilePerm); err != nil {
			return fmt.Errorf("write camera names: %w", err)
		}
	}
	return nil
}

func ReadNames(root string) ([]CameraName, error) {
	data, err := os.ReadFile(filepath.Join(root, consts.NamesFile))
	if err != nil {
		return nil, err
	}
	var names []CameraName
	if err = json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("unmarshal camera names err: %w", err)
	}
	return names, nil
}
