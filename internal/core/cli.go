package core

import (
	"fmt"
	"os"
	"path/filepath"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

// ParsedFile is a validated local file ready to be sent.
type ParsedFile struct {
	FullPath string
	Name     string
	Size     int64
}

// ParseFileArg validates a single regular file argument. Directories are
// rejected; one transfer carries exactly one file.
func ParseFileArg(args []string, maxSize int64) (ParsedFile, error) {
	if len(args) == 0 {
		return ParsedFile{}, &ValidationError{Arg: "<file>", Cause: "no file provided"}
	}
	if len(args) > 1 {
		return ParsedFile{}, &ValidationError{Arg: args[1], Cause: "only one file can be sent at a time"}
	}

	raw := args[0]
	p := filepath.Clean(raw)
	info, err := os.Stat(p)
	if err != nil {
		return ParsedFile{}, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
	}
	if info.IsDir() {
		return ParsedFile{}, &ValidationError{Arg: raw, Cause: "is a directory"}
	}
	if !info.Mode().IsRegular() {
		return ParsedFile{}, &ValidationError{Arg: raw, Cause: "not a regular file"}
	}
	if maxSize > 0 && info.Size() > maxSize {
		return ParsedFile{}, &ValidationError{Arg: raw, Cause: fmt.Sprintf("exceeds the %d byte limit", maxSize)}
	}

	return ParsedFile{FullPath: p, Name: info.Name(), Size: info.Size()}, nil
}
