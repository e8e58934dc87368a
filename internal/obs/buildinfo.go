package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_build_info",
			Help: "Always 1; labels identify the running gateway build.",
		},
		[]string{"version", "commit", "goversion"},
	)
)

// Build identifies the running binary.
type Build struct {
	Version   string
	Commit    string
	GoVersion string
}

// ResolveBuild fills in what the linker flags left unset. A commit of ""
// or "dev" falls back to the VCS revision stamped by the go tool.
func ResolveBuild(version, commit string) Build {
	b := Build{Version: version, Commit: commit, GoVersion: runtime.Version()}
	if b.Version == "" {
		b.Version = "dev"
	}
	if b.Commit == "" || b.Commit == "dev" {
		b.Commit = "unknown"
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" && s.Value != "" {
					b.Commit = shortRevision(s.Value)
				}
			}
		}
	}
	return b
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// InitBuildInfo registers the build gauge once and publishes b.
func InitBuildInfo(version, commit string) Build {
	b := ResolveBuild(version, commit)
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(b.Version, b.Commit, b.GoVersion).Set(1)
	return b
}
