package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/beevik/ntp"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"rig-shutter/pkg/storage/consts"
	"rig-shutter/pkg/storage/util"
	"rig-shutter/pkg/types"
	"rig-shutter/pkg/utils/ps"
)

var (
	ErrLowSpace       = errors.New("not enough free space")
	ErrBadSessionID   = errors.New("invalid session id")
	ErrSessionMissing = errors.New("session not found")
)

type CameraInfo struct {
	Index         int      `json:"index"`
	Serial        string   `json:"serial"`
	Role          string   `json:"role"`
	Frames        uint64   `json:"frames"`
	FrameNumbers  []uint64 `json:"frameNumbers,omitempty"`
	Drops         uint64   `json:"drops"`
	WriteFailures uint64   `json:"writeFailures"`
	// DroppedMirrors counts mirror files abandoned after a write error.
	DroppedMirrors int      `json:"droppedMirrors,omitempty"`
	Segments       int      `json:"segments"`
	Files          []string `json:"files"`
}

// Info describes a recording session. A copy is stored in the session
// directory of every path that received frames.
type Info struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
	StoppedAt time.Time `json:"stoppedAt"`
	Oneshot   bool      `json:"oneshot"`
	Target    int       `json:"target,omitempty"`
	Policy    Policy    `json:"policy"`
	Paths     []string  `json:"paths"`

	ClockServer string        `json:"clockServer,omitempty"`
	ClockOffset time.Duration `json:"clockOffset"`

	Cameras []CameraInfo `json:"cameras"`
}

func NewSessionID() string {
	return uuid.NewString()
}

// PrepareSession creates the session directory under every root.
func PrepareSession(roots []string, id string) error {
	dirs := make([]string, 0, len(roots))
	for _, r := range roots {
		dirs = append(dirs, filepath.Join(r, id))
	}
	return util.MkdirAll(dirs...)
}

func DumpInfo(roots []string, info *Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	for _, r := range roots {
		p := filepath.Join(r, info.ID, consts.SessionFile)
		if err = os.WriteFile(p, data, consts.DefaultFilePerm); err != nil {
			return fmt.Errorf("dump session info: %w", err)
		}
	}
	return nil
}

func LoadInfo(root, id string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(root, id, consts.SessionFile))
	if err != nil {
		return nil, err
	}
	info := &Info{}
	if err = json.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("unmarshal session info err: %w", err)
	}
	return info, nil
}

// ClockOffset queries server and returns the local clock offset.
func ClockOffset(server string, timeout time.Duration) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, err
	}
	if err = resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// CheckFree fails when any root has less than minFree bytes available.
func CheckFree(roots []string, minFree uint64) error {
	for _, r := range roots {
		if err := util.MkdirAll(r); err != nil {
			return err
		}
		d, err := ps.DiskStatus(r)
		if err != nil {
			return fmt.Errorf("disk status of %s: %w", r, err)
		}
		if d.Free < minFree {
			return fmt.Errorf("%w: %s has %s, need %s", ErrLowSpace, r,
				humanize.Bytes(d.Free), humanize.Bytes(minFree))
		}
	}
	return nil
}

// ListSessions returns the sessions found under roots, newest first.
func ListSessions(roots []string) ([]*Info, error) {
	seen := make(map[string]bool)
	var res []*Info
	for _, r := range roots {
		entries, err := os.ReadDir(r)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() || seen[e.Name()] {
				continue
			}
			if _, err = uuid.Parse(e.Name()); err != nil {
				continue
			}
			info, err := LoadInfo(r, e.Name())
			if err != nil {
				logger.Warnf("skip session %s: %v", e.Name(), err)
				continue
			}
			seen[e.Name()] = true
			res = append(res, info)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].StartedAt.After(res[j].StartedAt)
	})

	return res, nil
}

// ListFiles returns the files of session id across roots.
func ListFiles(roots []string, id string) ([]types.File, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadSessionID, id)
	}
	var (
		res   []types.File
		found bool
	)
	for _, r := range roots {
		dir := filepath.Join(r, id)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		found = true
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				return nil, err
			}
			res = append(res, types.File{
				Name:    e.Name(),
				Dir:     dir,
				Size:    humanize.Bytes(uint64(fi.Size())),
				Bytes:   fi.Size(),
				ModTime: fi.ModTime(),
			})
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrSessionMissing, id)
	}

	return res, nil
}
