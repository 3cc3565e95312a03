package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oszuidwest/zwfm-loopback/internal/util"
)

const (
	filePrefix     = "recording-"
	fileExt        = ".wav"
	summarySuffix  = ".summary.txt"
	fileTimeLayout = "2006-01-02-15-04-05"
)

// Paths allocates unique recording file names in one directory.
type Paths struct {
	dir string
	now func() time.Time
}

// NewPaths creates dir when needed and verifies it is writable.
func NewPaths(dir string) (*Paths, error) {
	if err := util.CheckPathWritable(dir); err != nil {
		return nil, fmt.Errorf("recording directory %s: %w", dir, err)
	}
	return &Paths{dir: dir, now: time.Now}, nil
}

// Dir returns the recording directory.
func (p *Paths) Dir() string {
	return p.dir
}

// Next returns a fresh path and its recording ID.
// Names look like recording-2025-01-15-14-03-07-1a2b3c4d.wav.
func (p *Paths) Next() (path, id string) {
	id = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	name := filePrefix + p.now().Format(fileTimeLayout) + "-" + id + fileExt
	return filepath.Join(p.dir, name), id
}

// IsRecordingFile reports whether name was produced by Next.
func IsRecordingFile(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileExt)
}

// IDFromPath extracts the recording ID from a path produced by Next.
func IDFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), fileExt)
	if i := strings.LastIndexByte(name, '-'); i >= 0 && strings.HasPrefix(name, filePrefix) {
		return name[i+1:]
	}
	return ""
}

// SummaryPath returns the summary file written next to a recording.
func SummaryPath(recordingPath string) string {
	return strings.TrimSuffix(recordingPath, fileExt) + summarySuffix
}

// removeIfExists deletes path, ignoring a missing file.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
