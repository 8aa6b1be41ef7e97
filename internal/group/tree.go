package group

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// combine derives an internal tree node's secret from its two children, per
// spec §4.4: HKDF(left||right, info="treekem").
func combine(left, right [32]byte) [32]byte {
	var buf bytes.Buffer
	buf.Write(left[:])
	buf.Write(right[:])

	r := hkdf.New(sha256.New, buf.Bytes(), nil, []byte("treekem"))
	var out [32]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		panic("group: hkdf expand failed: " + err.Error())
	}
	return out
}

// rootSecret folds a list of leaf secrets bottom-up into a single root
// secret. An odd node at any level is carried up unchanged rather than
// paired with itself, so the tree stays balanced without a dummy leaf.
func rootSecret(leaves [][32]byte) [32]byte {
	level := leaves
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, combine(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	if len(level) == 0 {
		return [32]byte{}
	}
	return level[0]
}

func randomSecret() ([32]byte, error) {
	var s [32]byte
	if _, err := rand.Read(s[:]); err != nil {
		return [32]byte{}, err
	}
	return s, nil
}
