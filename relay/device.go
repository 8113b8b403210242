package relay

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

const (
	deviceIDMinLen = 10
	deviceIDMaxLen = 128
)

// deviceID derives a locally-unique device identifier for one login
// attempt. It is deliberately not a stable hardware id: it embeds the
// display name, a digest of the hostname, the current time, and random
// bits, so every authentication attempt presents a fresh identity.
// The result is normalized to the backend's accepted length window.
func deviceID(displayName string, now time.Time) string {
	name := sanitizeName(norm.NFKC.String(displayName))

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "ember"
	}
	seed := blake2b.Sum256([]byte(host))

	id := fmt.Sprintf("%s-%x-%d-%s", name, seed[:4], now.UnixMilli(), uuid.NewString())

	if len(id) > deviceIDMaxLen {
		id = id[:deviceIDMaxLen]
	}
	for len(id) < deviceIDMinLen {
		id += "0"
	}
	return id
}

// sanitizeName keeps lowercase alphanumerics so the identifier stays
// ASCII and truncation cannot split a multi-byte rune.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
