//go:build !unix && !windows

package rules

func isBusy(err error) bool {
	return false
}
