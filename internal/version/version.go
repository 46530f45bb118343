// Package version tracks build metadata for the application.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Info describes build metadata for the application.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

var (
	info      = fromBuildInfo(Info{})
	infoMutex sync.RWMutex
)

// Set updates the version metadata exposed by the application. Empty fields
// are filled from the binary's embedded VCS stamp when available.
func Set(v Info) {
	v = fromBuildInfo(v)

	infoMutex.Lock()
	defer infoMutex.Unlock()
	info = v
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}

func (i Info) String() string {
	s := i.Version
	if i.Commit != "" {
		s += " (" + i.Commit + ")"
	}
	if i.BuildTime != "" {
		s += fmt.Sprintf(" built %s", i.BuildTime)
	}
	return s
}

func fromBuildInfo(v Info) Info {
	if v.GoVersion == "" {
		v.GoVersion = runtime.Version()
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				if v.Commit == "" {
					v.Commit = setting.Value
				}
			case "vcs.time":
				if v.BuildTime == "" {
					v.BuildTime = setting.Value
				}
			}
		}
	}
	if v.Version == "" {
		v.Version = "dev"
	}
	return v
}
