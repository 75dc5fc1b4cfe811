package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"

	"github.com/omni-build/omni/internal/model"
)

// HashBytes returns the raw 8-byte xxhash of arbitrary content. It backs
// both the per-file Merkle leaves below and the cache package's
// `base58(hash(project_name))` / `base58(hash(path_string))` naming, so
// the two packages never disagree about what "hash" means for a name.
func HashBytes(content []byte) []byte {
	sum := xxhash.Sum64(content)
	return []byte{
		byte(sum >> 56), byte(sum >> 48), byte(sum >> 40), byte(sum >> 32),
		byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum),
	}
}

// leafHash returns the fast, non-cryptographic content hash of a file's
// bytes, used as the per-input-file leaf before digest combination.
// xxhash mirrors the role turborepo's own internal xxhash package plays
// in its hashing pipeline: cheap, stable, not security-sensitive on its
// own since it only ever feeds the cryptographic root hash below.
func leafHash(content []byte) string {
	return hex.EncodeToString(HashBytes(content))
}

// tree accumulates a task's digest: seeded with leaf hashes, then
// combined in place with dependency digests, env pairs, output globs,
// and the task identity string. Combination is sequential hash-chaining
// (each Add writes into the running cryptographic hash) so order is
// load-bearing; the combination is never commutative.
type tree struct {
	h *sha256Chain
}

func newTree() *tree {
	return &tree{h: newSHA256Chain()}
}

// Add folds a piece of data into the running digest. Order matters.
func (t *tree) Add(data string) {
	t.h.Write([]byte(data))
	// Separator byte prevents "ab"+"c" colliding with "a"+"bc".
	t.h.Write([]byte{0})
}

// Root returns the finished 32-byte digest.
func (t *tree) Root() model.Digest {
	var d model.Digest
	copy(d[:], t.h.Sum())
	return d
}

// sha256Chain is a tiny wrapper so callers don't reach for crypto/sha256
// directly outside this file; kept separate so the "why stdlib here" note
// in DESIGN.md has one obvious anchor point.
type sha256Chain struct {
	h interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
}

func newSHA256Chain() *sha256Chain {
	return &sha256Chain{h: sha256.New()}
}

func (c *sha256Chain) Write(b []byte) { c.h.Write(b) }
func (c *sha256Chain) Sum() []byte    { return c.h.Sum(nil) }
