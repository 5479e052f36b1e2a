package core

// MatchGlob reports whether s matches the pattern. Only two metacharacters
// are supported: '*' matches any run of characters (including '/', so URL
// path patterns like "/accounts*" cover nested paths) and '?' matches any
// single character. There is no escaping and no character classes; patterns
// are exact matches otherwise.
func MatchGlob(pattern, s string) bool {
	patternIdx, sIdx := 0, 0
	starIdx, starMatch := -1, 0

	for sIdx < len(s) {
		switch {
		case patternIdx < len(pattern) && (pattern[patternIdx] == '?' || pattern[patternIdx] == s[sIdx]):
			patternIdx++
			sIdx++
		case patternIdx < len(pattern) && pattern[patternIdx] == '*':
			starIdx = patternIdx
			starMatch = sIdx
			patternIdx++
		case starIdx >= 0:
			// Backtrack: let the last '*' absorb one more character.
			patternIdx = starIdx + 1
			starMatch++
			sIdx = starMatch
		default:
			return false
		}
	}

	for patternIdx < len(pattern) && pattern[patternIdx] == '*' {
		patternIdx++
	}

	return patternIdx == len(pattern)
}
