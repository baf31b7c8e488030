// Package versioning holds the naming grammar shared by uploads, ledgers and downloads.
//
//	token    = "v" 1*DIGIT
//	filename = base "_" token "." ext
//	spec     = token (alphanumeric only)
//	ledger   = token LF
//
// Every caller that needs to split a filename or read a version number goes
// through this package; nothing else re-derives the split logic.
package versioning

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Marker prefixes every version number in filenames, ledger lines and specs.
	Marker = "v"
	// ArtifactExt is the extension of artifacts addressed by downloads.
	ArtifactExt = ".bin"
	// LedgerExt is the extension of a project's version ledger.
	LedgerExt = ".txt"
	// DefaultBase is the artifact base name used when a caller does not name one.
	DefaultBase = "update"
)

var (
	// ErrBadFilename is returned when an upload filename does not follow base_vN.ext.
	ErrBadFilename = errors.New("bad filename")
	// ErrInvalidVersionSpec is returned when a requested version is not vN.
	ErrInvalidVersionSpec = errors.New("invalid version spec")
	// ErrInvalidToken is returned when a version token cannot be parsed.
	ErrInvalidToken = errors.New("invalid version token")
)

// Filename is an upload filename split into its parts.
type Filename struct {
	Name    string `json:"name"`
	Base    string `json:"base"`
	Token   string `json:"token"`
	Version int64  `json:"version"`
	Ext     string `json:"ext"`
}

// LedgerName returns the ledger file that records versions for this base.
func (f Filename) LedgerName() string {
	return LedgerName(f.Base)
}

// SpecError explains why a download version spec was rejected.
type SpecError struct {
	Spec   string
	Reason string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("invalid version spec %q: %s", e.Spec, e.Reason)
}

func (e *SpecError) Unwrap() error {
	return ErrInvalidVersionSpec
}

// ParseToken parses "vN" into N.
func ParseToken(tok string) (int64, error) {
	if !strings.HasPrefix(tok, Marker) {
		return 0, fmt.Errorf("%w: %q does not start with %q", ErrInvalidToken, tok, Marker)
	}
	digits := tok[len(Marker):]
	if !isDigits(digits) {
		return 0, fmt.Errorf("%w: %q is not a base-10 integer", ErrInvalidToken, digits)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidToken, digits)
	}
	return n, nil
}

// FormatToken renders N as "vN".
func FormatToken(n int64) string {
	return Marker + strconv.FormatInt(n, 10)
}

// ParseFilename splits an upload filename: the extension is everything after
// the first ".", and the remaining stem must be exactly base "_" token.
func ParseFilename(name string) (Filename, error) {
	if name == "" {
		return Filename{}, fmt.Errorf("%w: empty name", ErrBadFilename)
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return Filename{}, fmt.Errorf("%w: %q contains a path separator", ErrBadFilename, name)
	}

	stem, ext, ok := strings.Cut(name, ".")
	if !ok || ext == "" {
		return Filename{}, fmt.Errorf("%w: %q has no extension", ErrBadFilename, name)
	}

	parts := strings.Split(stem, "_")
	if len(parts) != 2 {
		return Filename{}, fmt.Errorf("%w: %q must be <base>_%s<N>.<ext>", ErrBadFilename, name, Marker)
	}
	base, tok := parts[0], parts[1]
	if base == "" {
		return Filename{}, fmt.Errorf("%w: %q has an empty base name", ErrBadFilename, name)
	}

	n, err := ParseToken(tok)
	if err != nil {
		return Filename{}, fmt.Errorf("%w: %v", ErrBadFilename, err)
	}

	return Filename{
		Name:    name,
		Base:    base,
		Token:   tok,
		Version: n,
		Ext:     ext,
	}, nil
}

// ParseVersionSpec validates a download version such as "v3". The returned
// error is a *SpecError carrying the specific reason.
func ParseVersionSpec(spec string) (int64, error) {
	if !isAlnum(spec) {
		return 0, &SpecError{Spec: spec, Reason: "version must be alphanumeric"}
	}
	if !strings.HasPrefix(spec, Marker) {
		return 0, &SpecError{Spec: spec, Reason: fmt.Sprintf("version must start with %q", Marker)}
	}
	digits := spec[len(Marker):]
	if !isDigits(digits) {
		return 0, &SpecError{Spec: spec, Reason: "version number must be a non-negative integer"}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, &SpecError{Spec: spec, Reason: "version number out of range"}
	}
	return n, nil
}

// CheckBase reports whether base can be used as an artifact base name. It
// applies the same rules as the base part of ParseFilename.
func CheckBase(base string) error {
	if base == "" {
		return fmt.Errorf("%w: empty base name", ErrBadFilename)
	}
	if strings.ContainsAny(base, `/\_.`) || strings.ContainsRune(base, 0) {
		return fmt.Errorf("%w: base name %q may not contain separators, '_' or '.'", ErrBadFilename, base)
	}
	return nil
}

// ArtifactName returns the downloadable artifact name for base and version.
func ArtifactName(base string, n int64) string {
	return base + "_" + FormatToken(n) + ArtifactExt
}

// LedgerName returns the ledger file name for base.
func LedgerName(base string) string {
	return base + LedgerExt
}

// LedgerLine returns the line appended to a ledger for version n.
func LedgerLine(n int64) string {
	return FormatToken(n) + "\n"
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}
	return true
}
