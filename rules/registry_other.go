//go:build !windows

package rules

import (
	"errors"
	"fmt"
)

func readRegistry(path, field string) (string, error) {
	return "", fmt.Errorf("registry %s\\%s: %w", path, field, errors.ErrUnsupported)
}
