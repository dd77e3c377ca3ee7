package archive

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// HashLen is the length of an archive hash in hex characters (MD5 digest).
const HashLen = 32

// ErrBadIdentity is returned when a hash or size cannot name an archive.
var ErrBadIdentity = errors.New("bad archive identity")

// Identity names one archive. It is comparable and used as a map key.
type Identity struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// NewIdentity validates and normalizes hash and size.
func NewIdentity(hash string, size int64) (Identity, error) {
	hash = strings.ToLower(hash)
	if len(hash) != HashLen {
		return Identity{}, fmt.Errorf("%w: hash %q has %d characters, want %d", ErrBadIdentity, hash, len(hash), HashLen)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return Identity{}, fmt.Errorf("%w: hash %q is not hex", ErrBadIdentity, hash)
	}
	if size < 0 {
		return Identity{}, fmt.Errorf("%w: negative size %d", ErrBadIdentity, size)
	}
	return Identity{Hash: hash, Size: size}, nil
}

// ParseIdentity parses the "hash:size" form produced by String.
func ParseIdentity(s string) (Identity, error) {
	hash, sizeText, ok := strings.Cut(s, ":")
	if !ok {
		return Identity{}, fmt.Errorf("%w: %q has no size", ErrBadIdentity, s)
	}
	size, err := strconv.ParseInt(sizeText, 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: size %q: %v", ErrBadIdentity, sizeText, err)
	}
	return NewIdentity(hash, size)
}

func (id Identity) String() string {
	return id.Hash + ":" + strconv.FormatInt(id.Size, 10)
}

// Less orders identities by hash then size.
func (id Identity) Less(o Identity) bool {
	if id.Hash != o.Hash {
		return id.Hash < o.Hash
	}
	return id.Size < o.Size
}
