package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set by build flags)
	Version = "0.1.0"
	// GitCommit is the git commit hash (set by build flags)
	GitCommit = "unknown"
	// BuildDate is the build timestamp (set by build flags)
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the engine version, the commit it was built from, and the build platform.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("turnstile %s (commit %s, built %s)\n", Version, buildCommit(), BuildDate)
		fmt.Printf("go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

// buildCommit prefers the flag-injected commit and falls back to the VCS
// stamp the toolchain embeds in module builds, with a -dirty suffix when the
// tree had local modifications.
func buildCommit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return GitCommit
	}
	commit, dirty := GitCommit, false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if dirty {
		commit += "-dirty"
	}
	return commit
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
