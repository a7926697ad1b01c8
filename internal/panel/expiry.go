package panel

import (
	"time"

	"github.com/google/uuid"
)

// NextExpiry: продление считается от max(текущий срок, сейчас)
func NextExpiry(current, now time.Time, days int) time.Time {
	base := now
	if current.After(now) {
		base = current
	}
	return base.Add(time.Duration(days) * 24 * time.Hour)
}

func newUUID() string {
	return uuid.NewString()
}
