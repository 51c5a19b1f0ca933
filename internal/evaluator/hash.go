package evaluator

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
)

// hashScale is 2^60: the hash takes the first 15 hex digits of the SHA-1
// digest, a 60-bit integer.
const hashScale = float64(1 << 60)

// bucket maps (salt, id) onto [0, 1) deterministically and compatibly with
// the server's rollout hashing: sha1(salt+id), first 15 hex digits parsed
// as an integer, divided by 2^60. Both the condition-group rollout
// ("<key>.") and the variant selection ("<key>.variant") use it with
// different salts.
func bucket(salt, id string) float64 {
	sum := sha1.Sum([]byte(salt + id))
	digest := hex.EncodeToString(sum[:])
	value, err := strconv.ParseUint(digest[:15], 16, 64)
	if err != nil {
		// 15 hex digits always parse into 60 bits.
		panic("evaluator: sha1 digest failed to parse: " + err.Error())
	}
	return float64(value) / hashScale
}
