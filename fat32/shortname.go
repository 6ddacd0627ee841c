package fat32

import (
	"strconv"
	"strings"
)

// generateShortName implements the 8.3 short-name generation algorithm. If
// the stem already fits in 8 characters it's used as-is; otherwise a
// numeric tail ("~N") is appended after truncating the
// stem, where N is the smallest value that doesn't collide with any of the
// directory's existing short names.
func generateShortName(longName string, siblingShortNames []string) string {
	stem, ext := splitExt(longName)
	upperStem := strings.ToUpper(stem)
	upperExt := strings.ToUpper(ext)

	if len(upperStem) <= 8 {
		if upperExt == "" {
			return upperStem
		}
		return upperStem + "." + upperExt
	}

	taken := make(map[string]bool, len(siblingShortNames))
	for _, s := range siblingShortNames {
		taken[strings.ToUpper(s)] = true
	}

	for n := 1; ; n++ {
		num := strconv.Itoa(n)
		take := 8 - len(num) - 1
		if take < 0 {
			take = 0
		}
		if take > len(upperStem) {
			take = len(upperStem)
		}

		candidate := upperStem[:take] + "~" + num
		if upperExt != "" {
			candidate += "." + upperExt
		}
		if len(candidate) > 12 {
			candidate = candidate[:12]
		}
		if !taken[candidate] {
			return candidate
		}
	}
}

// needsLongName reports whether name requires a VFAT long-name group, i.e.
// it isn't already expressible as a plain 8.3 short name.
func needsLongName(name string) bool {
	if name == "." || name == ".." {
		return false
	}
	stem, ext := splitExt(name)
	if len(stem) > 8 || len(ext) > 3 {
		return true
	}
	return strings.ToUpper(stem) != stem || strings.ToUpper(ext) != ext
}
