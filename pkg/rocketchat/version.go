// Copyright 2024-2026 Aiku AI

package rocketchat

import (
	"strconv"
	"strings"
)

// VersionAtLeast compares two dotted release strings numerically, segment by
// segment. Non-numeric suffixes (e.g. "1.2.0-rc1") are compared on their
// leading digits only.
func VersionAtLeast(version, min string) bool {
	vparts := strings.Split(version, ".")
	mparts := strings.Split(min, ".")
	n := len(vparts)
	if len(mparts) > n {
		n = len(mparts)
	}
	for i := 0; i < n; i++ {
		v := segmentValue(vparts, i)
		m := segmentValue(mparts, i)
		if v != m {
			return v > m
		}
	}
	return true
}

func segmentValue(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	digits := parts[i]
	for j := 0; j < len(digits); j++ {
		if digits[j] < '0' || digits[j] > '9' {
			digits = digits[:j]
			break
		}
	}
	val, _ := strconv.Atoi(digits)
	return val
}
