package common

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadEnvFile sets variables from a KEY=VALUE file without overriding ones
// already present in the environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open env file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	return nil
}

type ciResult struct {
	OK      bool     `json:"ok"`
	Task    string   `json:"task"`
	Details []string `json:"details,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// PrintCIResult writes one JSON line describing a task outcome to stdout.
func PrintCIResult(ok bool, task string, details []string, err error) {
	WriteCIResult(os.Stdout, ok, task, details, err)
}

func WriteCIResult(w io.Writer, ok bool, task string, details []string, err error) {
	res := ciResult{OK: ok, Task: task, Details: details}
	if err != nil {
		res.Error = err.Error()
	}
	_ = json.NewEncoder(w).Encode(res)
}
