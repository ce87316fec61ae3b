// Package scan turns a noisy stream of decoded barcode reads into confirmed codes.
package scan

import "regexp"

const (
	ConfirmThreshold = 3
	MinCodeLength    = 4
)

var codePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Filter confirms a code once it has been read ConfirmThreshold times in a
// row. It holds no timers or callbacks; the caller drives it frame by frame
// from whatever input it has (camera, hardware scanner, manual entry).
//
// After a confirmation the counter starts over, and the confirmed code stays
// latched: an item held in front of the camera is not confirmed again until a
// different code is read, the source changes, or Reset is called.
type Filter struct {
	source  string
	last    string
	matches int
	latched string
}

func NewFilter(source string) *Filter {
	return &Filter{source: source}
}

// Feed consumes one decoded read. It returns the code and true exactly once per
// confirmation. Malformed reads are dropped without touching state.
func (f *Filter) Feed(code string) (string, bool) {
	if !Acceptable(code) {
		return "", false
	}
	if code == f.latched {
		return "", false
	}
	f.latched = ""

	if code == f.last {
		f.matches++
	} else {
		f.last = code
		f.matches = 1
	}
	if f.matches < ConfirmThreshold {
		return "", false
	}
	f.last = ""
	f.matches = 0
	f.latched = code
	return code, true
}

// SwitchSource resets the filter when the active input changes.
func (f *Filter) SwitchSource(source string) {
	if source == f.source {
		return
	}
	f.source = source
	f.Reset()
}

func (f *Filter) Source() string {
	return f.source
}

// Pending reports the code currently being counted and how many consecutive
// reads it has.
func (f *Filter) Pending() (string, int) {
	return f.last, f.matches
}

func (f *Filter) Reset() {
	f.last = ""
	f.matches = 0
	f.latched = ""
}

// Acceptable reports whether a read could be a real code.
func Acceptable(code string) bool {
	return len(code) >= MinCodeLength && codePattern.MatchString(code)
}
