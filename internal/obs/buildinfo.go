package obs

import (
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "housecup_build_info",
			Help: "Constant 1, labelled with the running binary's version, commit and Go toolchain.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// InitBuildInfo publishes housecup_build_info for this binary. An empty
// commit falls back to the VCS revision stamped by the Go toolchain.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() { prometheus.MustRegister(buildInfo) })

	goVersion := "unknown"
	if bi, ok := debug.ReadBuildInfo(); ok {
		goVersion = bi.GoVersion
		if commit == "" {
			commit = vcsRevision(bi)
		}
	}
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, goVersion).Set(1)
}

func vcsRevision(bi *debug.BuildInfo) string {
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return "unknown"
}
