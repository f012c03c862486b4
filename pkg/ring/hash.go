package ring

import (
	"hash/fnv"
	"strings"

	farm "github.com/dgryski/go-farm"
	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
)

// Hasher maps bytes onto the 32-bit ring.
type Hasher func([]byte) uint32

// Farm32 is the default hasher (FarmHash, 32-bit).
func Farm32(b []byte) uint32 {
	return farm.Hash32(b)
}

// XXH3 keeps the low 32 bits of XXH3-64.
func XXH3(b []byte) uint32 {
	return uint32(xxh3.Hash(b))
}

func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

// HasherByName resolves a configured hash name. An empty name selects Farm32.
func HasherByName(name string) (Hasher, error) {
	switch strings.ToLower(name) {
	case "", "farm", "farmhash":
		return Farm32, nil
	case "xxh3":
		return XXH3, nil
	case "fnv", "fnv32a":
		return FNV32a, nil
	}
	return nil, errors.Errorf("unknown hash function %q", name)
}
