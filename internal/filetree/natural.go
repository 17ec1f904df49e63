package filetree

import "strings"

// CompareNatural orders names so that embedded numbers compare by value:
// "file2.md" sorts before "file10.md". Non-numeric runs compare
// case-insensitively. It returns -1, 0 or 1.
func CompareNatural(a, b string) int {
	ra := splitRuns(a)
	rb := splitRuns(b)
	n := len(ra)
	if len(rb) > n {
		n = len(rb)
	}
	for i := 0; i < n; i++ {
		var x, y string
		if i < len(ra) {
			x = ra[i]
		}
		if i < len(rb) {
			y = rb[i]
		}
		if c := compareRun(x, y); c != 0 {
			return c
		}
	}
	return 0
}

func compareRun(x, y string) int {
	if isDigitRun(x) && isDigitRun(y) {
		return compareDigits(x, y)
	}
	return strings.Compare(strings.ToLower(x), strings.ToLower(y))
}

// compareDigits compares two digit strings by numeric value without
// converting them, so arbitrarily long runs cannot overflow.
func compareDigits(x, y string) int {
	x = strings.TrimLeft(x, "0")
	y = strings.TrimLeft(y, "0")
	if len(x) != len(y) {
		if len(x) < len(y) {
			return -1
		}
		return 1
	}
	return strings.Compare(x, y)
}

func splitRuns(s string) []string {
	if s == "" {
		return nil
	}
	runs := make([]string, 0, 4)
	start := 0
	digit := isDigit(s[0])
	for i := 1; i < len(s); i++ {
		if isDigit(s[i]) != digit {
			runs = append(runs, s[start:i])
			start = i
			digit = !digit
		}
	}
	return append(runs, s[start:])
}

func isDigitRun(s string) bool {
	return s != "" && isDigit(s[0])
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
