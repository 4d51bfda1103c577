package encoder

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// locateBinary finds the executable for an encoder type. Search order:
//
//  1. HIBIKI_<ENCODER>_PATH environment variable (e.g. HIBIKI_QSVENCC_PATH)
//  2. ./<binary> in the working directory, for bundled installs
//  3. the binary name on $PATH
//
// Every candidate is verified to exist and be executable.
func locateBinary(t Type) (string, error) {
	name := t.BinaryName()

	envVar := "HIBIKI_" + strings.ToUpper(name) + "_PATH"
	if envPath := os.Getenv(envVar); envPath != "" {
		if isExecutable(envPath) {
			return envPath, nil
		}
		return "", fmt.Errorf("%s points at %s, which is not an executable", envVar, envPath)
	}

	if local := "./" + name; isExecutable(local) {
		return local, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("encoder binary %s not found", name)
}

// isExecutable reports whether path is a regular file with an executable bit.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
