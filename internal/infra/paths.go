package infra

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
)

// AppName names the data directory, log file and default service.
const AppName = "delayguard"

// Paths holds the filesystem locations the daemon uses.
type Paths struct {
	DataDir string // Preference and block data documents, secrets
	LogFile string
	IsRoot  bool
}

// DetectPaths returns the locations for the current user. A root daemon
// keeps its data in the system-wide location.
func DetectPaths() Paths {
	return pathsFor(runtime.GOOS, os.Geteuid() == 0, RealUserHome(), os.Getenv("ProgramData"))
}

func pathsFor(goos string, isRoot bool, home, programData string) Paths {
	var dataDir string
	switch {
	case goos == "windows" && programData != "":
		dataDir = filepath.Join(programData, AppName)
	case goos == "windows":
		dataDir = filepath.Join(home, "AppData", "Local", AppName)
	case isRoot && goos == "darwin":
		dataDir = filepath.Join("/Library", "Application Support", AppName)
	case isRoot:
		dataDir = filepath.Join("/var", "lib", AppName)
	default:
		dataDir = filepath.Join(home, "."+AppName)
	}
	return Paths{
		DataDir: dataDir,
		LogFile: filepath.Join(dataDir, "logs", AppName+".log"),
		IsRoot:  isRoot,
	}
}

// RealUserHome returns the invoking user's home directory, even under sudo.
func RealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
