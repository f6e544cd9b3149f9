package checkpoint

import (
	"fmt"
	"os"
	"regexp"
)

var versionPattern = regexp.MustCompile(`ver[0-9]+`)

// VersionedDir picks the first unused run directory derived from base and
// creates it. Existing directories are skipped by rewriting every "verN"
// component to ver1, ver2, ...; a base without one gets a "_verN" suffix.
func VersionedDir(base string) (string, error) {
	dir := base
	for idx := 1; exists(dir); idx++ {
		if versionPattern.MatchString(base) {
			dir = versionPattern.ReplaceAllString(base, fmt.Sprintf("ver%d", idx))
		} else {
			dir = fmt.Sprintf("%s_ver%d", base, idx)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create save dir: %w", err)
	}
	return dir, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
