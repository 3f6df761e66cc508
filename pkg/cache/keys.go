package cache

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

const (
	NamespaceModeration = "moderation"
	NamespaceSimilar    = "similar"
	NamespaceCount      = "count"
	NamespaceTemporal   = "temporal"
	NamespaceFeed       = "feed"
)

// Hash is a stable digest of the parts. Each part is length-prefixed, so
// ("ab", "c") and ("a", "bc") never collide.
func Hash(parts ...string) string {
	h, _ := blake2b.New256(nil)
	var n [binary.MaxVarintLen64]byte
	for _, p := range parts {
		l := binary.PutUvarint(n[:], uint64(len(p)))
		h.Write(n[:l])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Key builds "<namespace>:<hash(parts)>". Keys are a pure function of their
// inputs and the namespace prefix keeps families apart.
func Key(namespace string, parts ...string) string {
	return namespace + ":" + Hash(parts...)
}

// PageKey is Key with a readable page suffix, so pages of one feed share a
// prefix.
func PageKey(namespace string, page int, parts ...string) string {
	return Key(namespace, parts...) + ":" + strconv.Itoa(page)
}
