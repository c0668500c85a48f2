package cache

import (
	"encoding/binary"
	"hash"
	"hash/fnv"
	"io"
	"math"
)

// KeyHasher accumulates an FNV-1a hash over descriptor fields. Fields are
// written in a fixed width so different field sequences do not collide by
// concatenation.
type KeyHasher struct {
	h   hash.Hash64
	buf [8]byte
}

// NewKeyHasher returns an empty hasher seeded with tag, which separates
// descriptor kinds that share a cache.
func NewKeyHasher(tag string) *KeyHasher {
	k := &KeyHasher{h: fnv.New64a()}
	k.String(tag)
	return k
}

func (k *KeyHasher) Uint64(v uint64) *KeyHasher {
	binary.LittleEndian.PutUint64(k.buf[:], v)
	_, _ = k.h.Write(k.buf[:]) // fnv.Write never returns an error
	return k
}

func (k *KeyHasher) Uint32(v uint32) *KeyHasher { return k.Uint64(uint64(v)) }

func (k *KeyHasher) Float32(v float32) *KeyHasher { return k.Uint32(math.Float32bits(v)) }

func (k *KeyHasher) Bool(v bool) *KeyHasher {
	if v {
		return k.Uint64(1)
	}
	return k.Uint64(0)
}

func (k *KeyHasher) String(s string) *KeyHasher {
	k.Uint64(uint64(len(s)))
	_, _ = io.WriteString(k.h, s)
	return k
}

// Sum returns the hash of everything written so far.
func (k *KeyHasher) Sum() uint64 { return k.h.Sum64() }

// Uint64Hasher uses the key itself as its hash. Keys that are already
// descriptor hashes need no further mixing.
func Uint64Hasher(u uint64) uint64 { return u }
