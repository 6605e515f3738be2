package version

import (
	"runtime"
	"time"
)

// Set at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	CommitID  = "unknown"
)

func formatBuildTime() string {
	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return BuildTime
	}
	return t.Format("Mon Jan 2 15:04:05 2006")
}

// Info is the version information printed by `avmerge version` and stored
// in recording reports.
type Info struct {
	Version   string `json:"version"`
	GoVersion string `json:"goVersion"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// Current returns the information of the running binary.
func Current() Info {
	return Info{
		Version:   Version,
		GoVersion: runtime.Version(),
		GitCommit: CommitID,
		BuildTime: formatBuildTime(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// String is the one-line form, e.g. "dev (unknown) go1.25 linux/amd64".
func (i Info) String() string {
	return i.Version + " (" + i.GitCommit + ") " + i.GoVersion + " " + i.OS + "/" + i.Arch
}
