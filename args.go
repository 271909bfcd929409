package main

import (
	"os"
	"strconv"
	"strings"
)

// readRunArgs parses --disable-x / --enable-x=value pairs off the
// command line, teacher pattern. Run-time flags take priority over
// config.json values. The relay has no protocol toggles of its own
// (it has exactly one transport), so this carries forward only the
// settings that generalize:
//
//	--disable-conversion        turn off the /api/video and /api/convert routes
//	--enable-conversion=<dir>   turn them on, using <dir> as the temp root
//	--enable-port=<n>
//	--enable-max-connections=<n>
//	--enable-idle-grace-seconds=<n>
func readRunArgs() (disableOptions, enableOptions map[string]string) {
	args := os.Args

	disableOptions = map[string]string{}
	enableOptions = map[string]string{}
	for _, arg := range args {
		lower := strings.ToLower(arg)

		var option string
		var enable bool
		if strings.HasPrefix(lower, "--disable-") {
			option = arg[len("--disable-"):]
		} else if strings.HasPrefix(lower, "--enable-") {
			option = arg[len("--enable-"):]
			enable = true
		} else {
			continue
		}

		// option names are case-insensitive; values (e.g. a directory
		// path) are kept as given.
		pair := strings.Split(option, "=")
		key := strings.ToLower(pair[0])
		var value string
		if len(pair) > 1 {
			value = pair[1]
		}

		if enable {
			enableOptions[key] = value
		} else {
			disableOptions[key] = value
		}
	}

	// enable and disable declared together: enable wins.
	for k := range enableOptions {
		if _, ok := disableOptions[k]; ok {
			delete(disableOptions, k)
		}
	}

	return disableOptions, enableOptions
}

// applyArgs overlays CLI flags onto cfg, the highest-priority config
// source per spec.md §6.2.
func applyArgs(cfg *AppConfig, disableOptions, enableOptions map[string]string) {
	if _, ok := disableOptions["conversion"]; ok {
		cfg.Convert.TempDir = "" // empty TempDir short-circuits route registration
	}
	if v, ok := enableOptions["conversion"]; ok && v != "" {
		cfg.Convert.TempDir = v
	}

	if v, ok := enableOptions["port"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Relay.Port = n
		}
	}
	if v, ok := enableOptions["max-connections"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Relay.MaxConnections = n
		}
	}
	if v, ok := enableOptions["idle-grace-seconds"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Relay.IdleGraceSecs = n
		}
	}
}

// configFileFlag scans argv for -config <path>, the one flag that
// doesn't fit the --enable/--disable shape.
func configFileFlag() string {
	args := os.Args[1:]
	for i, arg := range args {
		if arg == "-config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
