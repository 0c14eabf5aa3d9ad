package compute

import (
	"cloudproc/internal/tracker"
	"runtime"
	"runtime/debug"
	"sort"
)

// LocalRuntimeMeta describes the runtime of the current binary: its Go
// version, platform and linked modules.
func LocalRuntimeMeta(runtimeName, backend string) *tracker.RuntimeMeta {
	meta := &tracker.RuntimeMeta{
		Runtime:     runtimeName,
		Backend:     backend,
		GoVersion:   runtime.Version(),
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		Preinstalls: []tracker.Module{},
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return meta
	}
	for _, dep := range info.Deps {
		m := dep
		if dep.Replace != nil {
			m = dep.Replace
		}
		meta.Preinstalls = append(meta.Preinstalls, tracker.Module{Path: m.Path, Version: m.Version})
	}
	sort.Slice(meta.Preinstalls, func(i, j int) bool {
		return meta.Preinstalls[i].Path < meta.Preinstalls[j].Path
	})
	if info.Main.Path != "" {
		meta.Extra = map[string]string{"main": info.Main.Path}
	}
	return meta
}
