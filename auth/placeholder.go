package auth

import (
	"fmt"
	"strings"
	"time"
)

const (
	placeholderPrefix = "pending_"
	demoPrefix        = "demo_"
)

// PlaceholderSubject is the subject given to a user row created for an
// invited client who has not signed in yet.
func PlaceholderSubject(email string, at time.Time) string {
	return fmt.Sprintf("%s%s_%d", placeholderPrefix, email, at.UnixMilli())
}

// DemoSubject is the subject of a synthetic user backing a demo client.
func DemoSubject(email string, at time.Time) string {
	return fmt.Sprintf("%s%s_%d", demoPrefix, email, at.UnixMilli())
}

// IsPlaceholderSubject reports whether subject belongs to a placeholder or
// demo user, i.e. one that no real identity has claimed.
func IsPlaceholderSubject(subject string) bool {
	return strings.HasPrefix(subject, placeholderPrefix) || strings.HasPrefix(subject, demoPrefix)
}
