// Package ids provides content-addressed identifiers for artifact and
// process graph nodes.
//
// An ID is a three-character ASCII kind tag followed by an underscore and
// the lowercase hex BLAKE3-256 digest of the node's canonical bytes:
//
//	dir_9f2c...   directory
//	fil_04ab...   file
//	blb_77d1...   blob (cache entry payload)
//
// The tag prefix is the authoritative discriminator: the first three bytes
// of an ID classify it without consulting any store.
package ids

import (
	"encoding/hex"
	"errors"
	"fmt"

	"lukechampine.com/blake3"
)

// DigestLen is the length in bytes of an ID's digest.
const DigestLen = 32

// Digest is a BLAKE3-256 digest of a node's canonical bytes.
type Digest [DigestLen]byte

// Kind identifies the type of node an ID refers to.
type Kind uint8

const (
	KindDirectory Kind = iota + 1
	KindFile
	KindSymlink
	KindGraph
	KindCommand
	KindBlob
	KindProcess
	KindError
)

// ErrInvalidID reports a malformed identifier: unknown kind tag, missing
// separator, or a digest that is not 64 lowercase hex characters.
var ErrInvalidID = errors.New("invalid id")

var kindTags = map[Kind]string{
	KindDirectory: "dir",
	KindFile:      "fil",
	KindSymlink:   "sym",
	KindGraph:     "gph",
	KindCommand:   "cmd",
	KindBlob:      "blb",
	KindProcess:   "prc",
	KindError:     "err",
}

var tagKinds = map[string]Kind{
	"dir": KindDirectory,
	"fil": KindFile,
	"sym": KindSymlink,
	"gph": KindGraph,
	"cmd": KindCommand,
	"blb": KindBlob,
	"prc": KindProcess,
	"err": KindError,
}

// Tag returns the three-character ASCII tag for the kind.
func (k Kind) Tag() string {
	tag, ok := kindTags[k]
	if !ok {
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
	return tag
}

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	case KindSymlink:
		return "symlink"
	case KindGraph:
		return "graph"
	case KindCommand:
		return "command"
	case KindBlob:
		return "blob"
	case KindProcess:
		return "process"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// IsArtifact reports whether the kind is one of the three artifact kinds.
func (k Kind) IsArtifact() bool {
	return k == KindDirectory || k == KindFile || k == KindSymlink
}

// ID is a typed content address: a kind tag plus a digest.
type ID struct {
	kind   Kind
	digest Digest
}

// New constructs an ID from a kind and a digest.
func New(kind Kind, digest Digest) ID {
	return ID{kind: kind, digest: digest}
}

// Sum derives the ID of a node from its kind and canonical bytes.
func Sum(kind Kind, canonical []byte) ID {
	return ID{kind: kind, digest: blake3.Sum256(canonical)}
}

// Parse parses the textual form "<tag>_<hex digest>".
func Parse(s string) (ID, error) {
	if len(s) != 3+1+2*DigestLen || s[3] != '_' {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	kind, ok := tagKinds[s[:3]]
	if !ok {
		return ID{}, fmt.Errorf("%w: unknown kind tag %q", ErrInvalidID, s[:3])
	}
	for i := 4; i < len(s); i++ {
		if c := s[i]; !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
		}
	}
	raw, err := hex.DecodeString(s[4:])
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	var digest Digest
	copy(digest[:], raw)
	return ID{kind: kind, digest: digest}, nil
}

// MustParse is Parse for known-good literals; it panics on error.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// ClassifyTag returns the kind encoded by the first three characters of an
// ID's textual form.
func ClassifyTag(s string) (Kind, error) {
	if len(s) < 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	kind, ok := tagKinds[s[:3]]
	if !ok {
		return 0, fmt.Errorf("%w: unknown kind tag %q", ErrInvalidID, s[:3])
	}
	return kind, nil
}

// Kind returns the node kind the ID refers to.
func (id ID) Kind() Kind { return id.kind }

// Digest returns the raw digest.
func (id ID) Digest() Digest { return id.digest }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id.kind == 0 }

// String renders the canonical textual form "<tag>_<hex digest>".
func (id ID) String() string {
	return id.kind.Tag() + "_" + hex.EncodeToString(id.digest[:])
}

// Compare orders IDs by their textual form. All row-lock acquisition in the
// index happens in this order.
func Compare(a, b ID) int {
	as, bs := a.String(), b.String()
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}
