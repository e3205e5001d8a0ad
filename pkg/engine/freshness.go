package engine

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultStartOverThreshold is how long partially staged state is trusted.
const DefaultStartOverThreshold = 604800000 * time.Millisecond

// AssetProfileReference is the profile bundled with the installation media.
const AssetProfileReference = "asset://direct_install/profile.yaml"

// NewestBuildReference asks an http(s) profile server for its newest build
// rather than the latest released version. Other references are returned
// unchanged.
func NewestBuildReference(ref string) string {
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ref
	}
	if u.Query().Get("target") == "build" {
		return ref
	}
	if strings.Contains(ref, "?") {
		return ref + "&target=build"
	}
	return ref + "?target=build"
}

// isStale reports whether staging state anchored at the given unix
// millisecond timestamp has outlived threshold. An unset anchor is never stale.
func isStale(anchor string, now time.Time, threshold time.Duration) bool {
	if anchor == "" {
		return false
	}
	ms, err := strconv.ParseInt(anchor, 10, 64)
	if err != nil {
		return false
	}
	return now.Sub(time.UnixMilli(ms)) > threshold
}
