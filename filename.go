package journal

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// MaxNameLength bounds journal name length (MAX_NAME).
const MaxNameLength = 64

// MaxExtLength bounds the length of a recognized file extension (MAX_EXT).
const MaxExtLength = 10

// MaxIDDigits bounds the decimal length of a segment id (MAX_ID).
const MaxIDDigits = 20

const (
	extCheckpoint    = ".pchkp"
	extCheckpointTmp = ".pchkp.taking"
	extSegdir        = ".segments"
	extSegment       = ".pseg"
)

// nameRe matches the journal-name grammar: no whitespace, no slash.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_@+=~.,()\[\]{}-]+$`)

var segmentRe = regexp.MustCompile(`^(.+)\.([0-9]{1,` + strconv.Itoa(MaxIDDigits) + `})` + regexp.QuoteMeta(extSegment) + `$`)

// IsValidName reports whether name satisfies the journal naming grammar:
// 1..MaxNameLength characters drawn from the allowed class.
func IsValidName(name string) bool {
	if len(name) == 0 || len(name) > MaxNameLength {
		return false
	}
	return nameRe.MatchString(name)
}

// FileKind classifies a filename recognized under a journal directory.
type FileKind int

const (
	KindUnknown FileKind = iota
	KindCheckpoint
	KindSegment
	KindSegdir
)

func (k FileKind) String() string {
	switch k {
	case KindCheckpoint:
		return "checkpoint"
	case KindSegment:
		return "segment"
	case KindSegdir:
		return "segdir"
	default:
		return "unknown"
	}
}

// ParsedFilename is the result of recognizing one file under a journal
// directory against the naming grammar.
type ParsedFilename struct {
	Name       string
	Kind       FileKind
	ID         uint64 // segment id; 0 and meaningless for other kinds
	InProgress bool   // true for the ".pchkp.taking" checkpoint
}

// ParseFilename recognizes name as (journal name, id, kind), or returns
// Kind == KindUnknown if name matches none of the recognized shapes.
// Checkpoints carry no id in this grammar; only segments do.
func ParseFilename(name string) ParsedFilename {
	if base, ok := strings.CutSuffix(name, extCheckpointTmp); ok && IsValidName(base) {
		return ParsedFilename{Name: base, Kind: KindCheckpoint, InProgress: true}
	}
	if base, ok := strings.CutSuffix(name, extSegdir); ok && IsValidName(base) {
		return ParsedFilename{Name: base, Kind: KindSegdir}
	}
	if base, ok := strings.CutSuffix(name, extCheckpoint); ok && IsValidName(base) {
		return ParsedFilename{Name: base, Kind: KindCheckpoint}
	}
	if m := segmentRe.FindStringSubmatch(name); m != nil && IsValidName(m[1]) {
		id, err := strconv.ParseUint(m[2], 10, 64)
		if err == nil {
			return ParsedFilename{Name: m[1], Kind: KindSegment, ID: id}
		}
	}
	return ParsedFilename{Kind: KindUnknown}
}

// BuildFilename is the inverse of ParseFilename: for any valid name and
// kind it returns the exact filename ParseFilename would decode back to
// the same (name, kind, id) triple.
func BuildFilename(name string, kind FileKind, id uint64) (string, error) {
	if !IsValidName(name) {
		return "", fmt.Errorf("%w: invalid journal name %q", ErrInvalidArgument, name)
	}
	switch kind {
	case KindCheckpoint:
		return name + extCheckpoint, nil
	case KindSegdir:
		return name + extSegdir, nil
	case KindSegment:
		return fmt.Sprintf("%s.%d%s", name, id, extSegment), nil
	default:
		return "", fmt.Errorf("%w: unsupported file kind %v", ErrInvalidArgument, kind)
	}
}

func checkpointTmpFilename(name string) string {
	return name + extCheckpointTmp
}

// segdirSymlinkTarget decides the target a DIR/NAME.segments symlink
// should point to when segDir differs from checkpoint directory ckptDir:
// relative if segDir is a descendant of ckptDir, absolute otherwise. Both
// inputs must already be filesystem paths (not necessarily absolute).
func segdirSymlinkTarget(ckptDir, segDir string) (string, error) {
	absCkpt, err := filepath.Abs(ckptDir)
	if err != nil {
		return "", err
	}
	absSeg, err := filepath.Abs(segDir)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absCkpt, absSeg)
	if err != nil {
		return absSeg, nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return absSeg, nil
	}
	return rel, nil
}
