package obs

import "unicode"

// CompareVersions orders two package version strings the way rpm does:
// alternating numeric and alphabetic segments, numeric segments compared
// as integers, separators ignored. Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	ai, bi := 0, 0
	for ai < len(a) && bi < len(b) {
		// Skip separators.
		for ai < len(a) && !isAlnum(rune(a[ai])) {
			ai++
		}
		for bi < len(b) && !isAlnum(rune(b[bi])) {
			bi++
		}
		if ai >= len(a) || bi >= len(b) {
			break
		}

		aNum := unicode.IsDigit(rune(a[ai]))
		bNum := unicode.IsDigit(rune(b[bi]))
		if aNum != bNum {
			// Numeric segments sort above alphabetic ones.
			if aNum {
				return 1
			}
			return -1
		}

		aSeg, aNext := readSegment(a, ai, aNum)
		bSeg, bNext := readSegment(b, bi, bNum)
		ai, bi = aNext, bNext

		if aNum {
			aSeg = trimLeadingZeros(aSeg)
			bSeg = trimLeadingZeros(bSeg)
			if len(aSeg) != len(bSeg) {
				if len(aSeg) > len(bSeg) {
					return 1
				}
				return -1
			}
		}
		if aSeg != bSeg {
			if aSeg > bSeg {
				return 1
			}
			return -1
		}
	}

	// Equal prefixes: the longer version wins.
	aRest := hasAlnumTail(a, ai)
	bRest := hasAlnumTail(b, bi)
	switch {
	case aRest && !bRest:
		return 1
	case bRest && !aRest:
		return -1
	}
	return 0
}

// SatisfiesCondition applies a comparison operator from a package
// condition. An unknown operator never matches.
func SatisfiesCondition(have, want, operator string) bool {
	cmp := CompareVersions(have, want)
	switch operator {
	case ">=", "":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case "==":
		return cmp == 0
	}
	return false
}

func isAlnum(r rune) bool {
	return unicode.IsDigit(r) || unicode.IsLetter(r)
}

func readSegment(s string, start int, numeric bool) (string, int) {
	end := start
	for end < len(s) {
		r := rune(s[end])
		if numeric && !unicode.IsDigit(r) {
			break
		}
		if !numeric && !unicode.IsLetter(r) {
			break
		}
		end++
	}
	return s[start:end], end
}

func trimLeadingZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}

func hasAlnumTail(s string, from int) bool {
	for ; from < len(s); from++ {
		if isAlnum(rune(s[from])) {
			return true
		}
	}
	return false
}
