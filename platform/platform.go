// Package platform defines the closed set of chat platforms the relay speaks to.
package platform

import (
	"fmt"
	"strings"
)

// Platform identifies one supported chat source.
type Platform string

const (
	Twitch  Platform = "twitch"
	Kick    Platform = "kick"
	YouTube Platform = "youtube"
)

// TargetAll is the wire value that expands to every platform.
const TargetAll = "all"

var all = []Platform{Twitch, Kick, YouTube}

// All returns every supported platform in a stable order.
func All() []Platform {
	out := make([]Platform, len(all))
	copy(out, all)
	return out
}

// Valid reports whether p is one of the supported platforms.
func (p Platform) Valid() bool {
	for _, q := range all {
		if p == q {
			return true
		}
	}
	return false
}

func (p Platform) String() string { return string(p) }

// Parse converts a user supplied name into a Platform.
func Parse(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown platform %q", s)
	}
	return p, nil
}

// ExpandTargets turns a target string ("all" or a platform name) into a platform list.
func ExpandTargets(target string) ([]Platform, error) {
	if strings.EqualFold(strings.TrimSpace(target), TargetAll) || strings.TrimSpace(target) == "" {
		return All(), nil
	}
	p, err := Parse(target)
	if err != nil {
		return nil, err
	}
	return []Platform{p}, nil
}
