package model

import (
	"encoding/hex"

	"github.com/minio/highwayhash"
)

// feedLockKey is a fixed 32 bytes (as required by HighwayHash) read from
// /dev/random. DO NOT MODIFY this value: advisory lock keys derived from it
// must stay stable across releases or two deploys could run the same feed
// concurrently.
var feedLockKey, _ = hex.DecodeString("9b7c1e54d2a60f38c4e19b06775d83afe2410cb95862d17f03aa94cde6f0b821")

// LockID derives the stable 64-bit advisory-lock key for a feed from its
// immutable identity. Stored on the feed row at creation time.
func LockID(sourceID, network string) int64 {
	return int64(highwayhash.Sum64([]byte(sourceID+"\x00"+network), feedLockKey))
}
