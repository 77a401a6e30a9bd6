package store

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
	"time"
)

// Document ids are 24-character hex, layout-compatible with ObjectId:
// 4 bytes of unix seconds, 5 bytes of per-process entropy, 3 bytes of
// counter. Existing clients parse creation time out of the id prefix.

var (
	oidProcess [5]byte
	oidCounter uint32
)

func init() {
	if _, err := rand.Read(oidProcess[:]); err != nil {
		panic("store: cannot seed id entropy: " + err.Error())
	}
	var seed [4]byte
	rand.Read(seed[:])
	oidCounter = binary.BigEndian.Uint32(seed[:])
}

// GenerateID returns a fresh unique document id.
func GenerateID() string {
	var raw [12]byte
	binary.BigEndian.PutUint32(raw[0:4], uint32(time.Now().Unix()))
	copy(raw[4:9], oidProcess[:])
	n := atomic.AddUint32(&oidCounter, 1)
	raw[9] = byte(n >> 16)
	raw[10] = byte(n >> 8)
	raw[11] = byte(n)
	return hex.EncodeToString(raw[:])
}

// ValidID reports whether s is a well-formed document id.
func ValidID(s string) bool {
	if len(s) != 24 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// IDTime extracts the creation timestamp embedded in a document id.
func IDTime(s string) (time.Time, bool) {
	if !ValidID(s) {
		return time.Time{}, false
	}
	raw, _ := hex.DecodeString(s[:8])
	return time.Unix(int64(binary.BigEndian.Uint32(raw)), 0).UTC(), true
}
