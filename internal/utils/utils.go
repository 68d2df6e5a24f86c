package utils

import (
	"strconv"
	"strings"
)

// ParseAddress converts an address string to uint64. The string is read as
// hexadecimal, with or without a 0x prefix.
func ParseAddress(addrStr string) (uint64, error) {
	addrStr = strings.TrimPrefix(strings.ToLower(addrStr), "0x")
	return strconv.ParseUint(addrStr, 16, 64)
}

// StrSliceContains returns true if an item matches any entry of the slice
func StrSliceContains(slice []string, item string) bool {
	for _, s := range slice {
		if strings.Contains(strings.ToLower(item), strings.ToLower(s)) {
			return true
		}
	}
	return false
}
