package rules

import (
	"fmt"
	"strings"

	"golang.org/x/sys/windows/registry"
)

var registryRoots = map[string]registry.Key{
	"HKEY_CLASSES_ROOT":   registry.CLASSES_ROOT,
	"HKCR":                registry.CLASSES_ROOT,
	"HKEY_CURRENT_USER":   registry.CURRENT_USER,
	"HKCU":                registry.CURRENT_USER,
	"HKEY_LOCAL_MACHINE":  registry.LOCAL_MACHINE,
	"HKLM":                registry.LOCAL_MACHINE,
	"HKEY_USERS":          registry.USERS,
	"HKU":                 registry.USERS,
	"HKEY_CURRENT_CONFIG": registry.CURRENT_CONFIG,
	"HKCC":                registry.CURRENT_CONFIG,
}

// readRegistry reads the string value field of the key path, which starts
// with the name of a root key.
func readRegistry(path, field string) (string, error) {
	root, sub, _ := strings.Cut(strings.Trim(path, `\`), `\`)
	rk, ok := registryRoots[strings.ToUpper(root)]
	if !ok {
		return "", fmt.Errorf("registry %s: unknown root key %#v", path, root)
	}
	k, err := registry.OpenKey(rk, sub, registry.QUERY_VALUE)
	if err != nil {
		return "", fmt.Errorf("registry %s: %w", path, err)
	}
	defer k.Close()

	v, _, err := k.GetStringValue(field)
	if err != nil {
		return "", fmt.Errorf("registry %s\\%s: %w", path, field, err)
	}
	return v, nil
}
