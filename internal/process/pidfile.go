package process

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// ErrNoPIDFile is returned when a PID file operation targets a service that
// declares no pid_file, or the file does not exist.
var ErrNoPIDFile = errors.New("no pid file")

// ReadPIDFile returns the PID on the first line of path.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(b), "\n")
	return strconv.Atoi(strings.TrimSpace(line))
}

// RemovePIDFile deletes a stale PID file. A missing file reports ErrNoPIDFile.
func RemovePIDFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return ErrNoPIDFile
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoPIDFile
		}
		return err
	}
	return nil
}
