// Package digest computes the content identities used for task hashing and
// cache addressing.
package digest

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const chunkSize = 4096

// File returns the md5 hex digest of the file's content.
func File(path string) (string, error) {
	h := md5.New()
	if err := copyChunks(h, path); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Dir returns the md5 hex digest of a directory tree. Every regular file
// contributes its slash-separated relative path and its content, in lexical
// walk order, each length-prefixed so that moving bytes between files
// always changes the digest.
func Dir(root string) (string, error) {
	h := md5.New()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		writeField(h, []byte(filepath.ToSlash(rel)))

		info, err := d.Info()
		if err != nil {
			return err
		}
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(info.Size()))
		h.Write(size[:])
		return copyChunks(h, path)
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Path dispatches to File or Dir depending on what path is.
func Path(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return Dir(path)
	}
	return File(path)
}

// Strings returns the md5 hex digest of the length-prefixed parts.
func Strings(parts ...string) string {
	h := md5.New()
	for _, p := range parts {
		writeField(h, []byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Bytes returns the md5 hex digest of data.
func Bytes(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func writeField(h hash.Hash, data []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(data)))
	h.Write(length[:])
	h.Write(data)
}

func copyChunks(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.CopyBuffer(w, f, make([]byte, chunkSize))
	return err
}
