package playlist

import (
	"regexp"
	"strconv"
	"time"
)

var (
	sequencePattern = regexp.MustCompile(`sq/(\d+)`)
	expiryPattern   = regexp.MustCompile(`expire/(\d+)`)
)

// SequenceID returns the number in the first "sq/<digits>" segment of uri.
func SequenceID(uri string) (int64, bool) {
	return firstNumber(sequencePattern, uri)
}

// ExpiryTime returns the instant encoded as "expire/<unix seconds>" in uri.
func ExpiryTime(uri string) (time.Time, bool) {
	secs, ok := firstNumber(expiryPattern, uri)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

func firstNumber(re *regexp.Regexp, s string) (int64, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
