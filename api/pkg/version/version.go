package version

import "runtime/debug"

// Version is set by the build process
var Version string

func Get() string {
	if Version != "" {
		return Version
	}

	v := "<unknown>"
	info, ok := debug.ReadBuildInfo()
	if ok {
		for _, kv := range info.Settings {
			if kv.Value == "" {
				continue
			}
			if kv.Key == "vcs.revision" {
				v = kv.Value
			}
		}
	}
	return v
}
