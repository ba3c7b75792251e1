// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// versionString can be set when linking: -ldflags "-X main.versionString=7.2.0".
var versionString string

// userAgent identifies this process to the Kubernetes API and in logs.
var userAgent string

func initVersion() {
	info, _ := debug.ReadBuildInfo()
	versionString = buildVersion(versionString, info)
	userAgent = fmt.Sprintf("gprecoverseg/%s (%s/%s)", versionString, runtime.GOOS, runtime.GOARCH)
}

// buildVersion returns linked when it is set. Otherwise it describes the
// module version and source revision that the Go toolchain recorded.
func buildVersion(linked string, info *debug.BuildInfo) string {
	if linked != "" {
		return linked
	}
	if info == nil {
		return "unknown"
	}

	version := info.Main.Version
	if version != "" && version != "(devel)" {
		return version
	}
	version = "devel"

	var revision string
	var modified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if revision != "" {
		version += "+" + revision[:min(len(revision), 12)]
		if modified {
			version += ".dirty"
		}
	}
	return version
}
