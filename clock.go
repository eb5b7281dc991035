package objstore

import "time"

// Now is the clock used by stores that are not given one explicitly.
var Now = time.Now

// Clock returns now when set, otherwise the package clock.
func Clock(now func() time.Time) func() time.Time {
	if now != nil {
		return now
	}
	return func() time.Time { return Now() }
}
