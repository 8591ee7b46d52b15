package form

import (
	"strconv"
	"strings"
)

// NoInstance addresses the single logical instance of a non-repeatable section.
const NoInstance = -1

// Key builds the composite key `section.field` or `section.instance.field`.
func Key(sectionID string, fieldID string, instance int) string {
	if instance < 0 {
		return sectionID + "." + fieldID
	}
	return InstancePrefix(sectionID, instance) + fieldID
}

// InstancePrefix is the key prefix shared by every field of one repeat instance.
func InstancePrefix(sectionID string, instance int) string {
	return sectionID + "." + strconv.Itoa(instance) + "."
}

// ParseKey splits a composite key. Non-repeatable keys report NoInstance.
func ParseKey(key string) (sectionID string, instance int, fieldID string, ok bool) {
	parts := strings.Split(key, ".")
	switch len(parts) {
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return "", 0, "", false
		}
		return parts[0], NoInstance, parts[1], true
	case 3:
		idx, isIndex := parseIndex(parts[1])
		if parts[0] == "" || parts[2] == "" || !isIndex {
			return "", 0, "", false
		}
		return parts[0], idx, parts[2], true
	default:
		return "", 0, "", false
	}
}

// instanceOf extracts the instance index of a key matching `sectionID.<digits>.`.
func instanceOf(key string, sectionID string) (int, bool) {
	rest, found := strings.CutPrefix(key, sectionID+".")
	if !found {
		return 0, false
	}
	digits, _, found := strings.Cut(rest, ".")
	if !found {
		return 0, false
	}
	return parseIndex(digits)
}

func parseIndex(raw string) (int, bool) {
	if raw == "" {
		return 0, false
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return idx, true
}
