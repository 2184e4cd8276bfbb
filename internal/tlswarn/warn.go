// Package tlswarn logs a one-shot warning when a control connection skips
// certificate verification.
package tlswarn

import (
	"log"
	"sync"
)

var once sync.Once

// LogInsecure warns through the standard logger on its first call only.
func LogInsecure() {
	once.Do(func() {
		log.Print("[TLS] WARNING: certificate verification is disabled for the control connection; the host identity is not checked")
	})
}
