package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache defines the interface for caching
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

// keyPrefix is bumped whenever cached payload formats change
const keyPrefix = "cityledger:v1:"

// CacheKey derives a fixed-length cache key from arbitrary input, such as
// a serialized model request
func CacheKey(input string) string {
	hash := sha256.Sum256([]byte(input))
	return keyPrefix + hex.EncodeToString(hash[:])
}
