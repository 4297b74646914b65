package differenceutil

import (
	"sort"
)

// DifferenceAndIntersectionStrings splits the union of src and des by
// membership. Each result is sorted and free of duplicates. O(n log n)
func DifferenceAndIntersectionStrings(src, des []string) (onlySrc, intersection, onlyDes []string) {
	m := make(map[string]uint8, len(src)+len(des))
	for _, k := range src {
		m[k] |= 1 << 0
	}
	for _, k := range des {
		m[k] |= 1 << 1
	}

	for k, v := range m {
		switch v {
		case 1<<0 | 1<<1:
			intersection = append(intersection, k)
		case 1 << 0:
			onlySrc = append(onlySrc, k)
		default:
			onlyDes = append(onlyDes, k)
		}
	}
	sort.Strings(onlySrc)
	sort.Strings(intersection)
	sort.Strings(onlyDes)
	return
}
