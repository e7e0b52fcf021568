package rules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Kind classifies an Error by how a caller is expected to react to it.
type Kind int

const (
	// KindConfig is a missing or ambiguous field, or an unsupported version.
	// It is not retried.
	KindConfig Kind = iota + 1
	// KindIntegrity means a backup or save file was modified or corrupted.
	// The affected rule must be rebuilt (usually after a reinstall).
	KindIntegrity
	// KindPattern is a failed search or displacement. The pattern is marked
	// unsupported and its siblings continue.
	KindPattern
	// KindIO is a filesystem failure, usually with a remediation hint.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindIntegrity:
		return "integrity"
	case KindPattern:
		return "pattern"
	case KindIO:
		return "io"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var (
	ErrWrongRuleState        = errors.New("wrong rule state")
	ErrUnsupportedVersion    = errors.New("unsupported version")
	ErrNotInstalled          = errors.New("not installed")
	ErrFieldMissing          = errors.New("missing field")
	ErrBackupAlreadyPatched  = errors.New("backup is already patched")
	ErrBackupInvalid         = errors.New("backup was modified or is corrupt")
	ErrBaseFileInvalid       = errors.New("base file does not exist")
	ErrSaveFileInvalid       = errors.New("save file does not match the base file")
	ErrDependPatchNotFound   = errors.New("dependent patch not found")
	ErrDependFeatureDisabled = errors.New("dependent feature is not enabled")
	ErrFeatureNotFound       = errors.New("feature not found")
	ErrRuleNotFound          = errors.New("rule not found")
	ErrInvalidInstance       = errors.New("invalid instance")
	ErrReplaceData           = errors.New("invalid replacement data")
	ErrFileNotExist          = errors.New("file does not exist")
	ErrGetPath               = errors.New("could not resolve path")
	ErrVariable              = errors.New("invalid variable")
)

// Hints shown with IO errors.
const (
	HintAdmin = "run as administrator"
	HintClose = "close other running instances"
)

// Error is an error raised by a rule operation.
type Error struct {
	Kind    Kind
	Op      string // operation, like "SearchAddresses"
	Subject string // rule, pattern, feature or file the error is about
	Hint    string // optional remediation
	Err     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.Subject != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Subject)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Err.Error())
	if e.Hint != "" {
		sb.WriteString(" (")
		sb.WriteString(e.Hint)
		sb.WriteString(")")
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the outermost Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// HintOf returns the first hint in err's chain.
func HintOf(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Hint != "" {
			return e.Hint
		}
		err = e.Err
	}
	return ""
}

func configErr(op, subject string, err error) error {
	return &Error{Kind: KindConfig, Op: op, Subject: subject, Err: err}
}

func integrityErr(op, subject string, err error) error {
	return &Error{Kind: KindIntegrity, Op: op, Subject: subject, Err: err}
}

func patternErr(op, subject string, err error) error {
	return &Error{Kind: KindPattern, Op: op, Subject: subject, Err: err}
}

// ioErr wraps a filesystem error on name and attaches a hint for permission
// and sharing failures. Errors which already are an *Error are returned as-is.
func ioErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	ie := &Error{Kind: KindIO, Op: op, Subject: name, Err: err}
	switch {
	case errors.Is(err, os.ErrPermission):
		ie.Hint = HintAdmin
	case isBusy(err):
		ie.Hint = HintClose
		if pids := holders(name); len(pids) != 0 {
			ie.Hint += fmt.Sprintf(" (pid %s)", strings.Trim(fmt.Sprint(pids), "[]"))
		}
	}
	return ie
}

// holders returns the pids of the running processes whose executable is name.
func holders(name string) []int32 {
	abs, err := filepath.Abs(name)
	if err != nil {
		return nil
	}
	procs, err := process.Processes()
	if err != nil {
		Log("could not list processes: %v\n", err)
		return nil
	}
	var pids []int32
	for _, p := range procs {
		exe, err := p.Exe()
		if err != nil {
			continue
		}
		if samePath(exe, abs) {
			pids = append(pids, p.Pid)
		}
	}
	return pids
}

func samePath(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}
