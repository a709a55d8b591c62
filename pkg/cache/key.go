package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// FormatVersion salts every cache version. Bump it when the layout of cached archives changes.
const FormatVersion = "0.1"

const maxKeyLength = 512

// CheckKey validates a cache key.
func CheckKey(key string) error {
	if len(key) > maxKeyLength {
		return errors.Wrapf(ErrInvalidKeyLength, "key validation error: %s", key)
	}
	if strings.Contains(key, ",") {
		return errors.Wrapf(ErrInvalidKeyComma, "key validation error: %s", key)
	}

	return nil
}

// Version returns the version string sent to the cache service for a caller version.
func Version(version string) string {
	hasher := sha256.New()
	hasher.Write([]byte(version))
	hasher.Write([]byte("|"))
	hasher.Write([]byte(FormatVersion))

	return hex.EncodeToString(hasher.Sum(nil))
}
