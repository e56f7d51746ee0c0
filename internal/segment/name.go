package segment

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// Ext is the suffix of a visible segment file.
	Ext = ".dat"
	// TempExt is appended to a segment path while it is being written.
	TempExt = ".tmp"
)

var ErrInvalidName = errors.New("segment: invalid file name")

// Name returns the file name of segment seq for token.
func Name(token string, seq uint64) string {
	return token + "." + strconv.FormatUint(seq, 10) + Ext
}

// Path returns the full path of segment seq for token inside dir.
func Path(dir, token string, seq uint64) string {
	return filepath.Join(dir, Name(token, seq))
}

// TempPath returns the in-flight name used while writing path.
func TempPath(path string) string {
	return path + TempExt
}

// Prefix is the file name prefix shared by every segment of token.
func Prefix(token string) string {
	return token + "."
}

// Parse splits a segment file name into its token and sequence number.
// Temp files and anything else not matching {token}.{seq}.dat are rejected.
func Parse(name string) (token string, seq uint64, err error) {
	rest, ok := strings.CutSuffix(name, Ext)
	if !ok || len(rest) < TokenLen+2 || rest[TokenLen] != '.' {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	token = rest[:TokenLen]
	if !ValidToken(token) {
		return "", 0, fmt.Errorf("%w: bad token in %q", ErrInvalidName, name)
	}
	digits := rest[TokenLen+1:]
	if digits == "" || (len(digits) > 1 && digits[0] == '0') {
		return "", 0, fmt.Errorf("%w: bad sequence in %q", ErrInvalidName, name)
	}
	seq, err = strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: bad sequence in %q", ErrInvalidName, name)
	}
	return token, seq, nil
}

// IsSegmentFile reports whether name is a visible segment file name.
func IsSegmentFile(name string) bool {
	_, _, err := Parse(name)
	return err == nil
}

// TokenOf returns the token of a segment file name, or "" when name is not one.
func TokenOf(name string) string {
	token, _, err := Parse(name)
	if err != nil {
		return ""
	}
	return token
}

// IsFirst reports whether name is segment 0 of some token.
func IsFirst(name string) bool {
	_, seq, err := Parse(name)
	return err == nil && seq == 0
}
