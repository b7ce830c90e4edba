package fetch

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"regexp"
	"strings"
)

var hexDigestRE = regexp.MustCompile(`^[a-fA-F0-9]+$`)

// digestAlgorithm picks the hash family from the hex digest length.
// Vendor image manifests publish MD5; installer pins use SHA-256.
func digestAlgorithm(checksum string) (func() hash.Hash, string, error) {
	if !hexDigestRE.MatchString(checksum) {
		return nil, "", fmt.Errorf("checksum %q is not a hex digest", checksum)
	}
	switch len(checksum) {
	case 32:
		return md5.New, "md5", nil
	case 40:
		return sha1.New, "sha1", nil
	case 64:
		return sha256.New, "sha256", nil
	default:
		return nil, "", fmt.Errorf("checksum length %d matches no supported digest (md5, sha1, sha256)", len(checksum))
	}
}

func fileDigest(path string, newHash func() hash.Hash) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for digest: %w", path, err)
	}
	defer f.Close()

	h := newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verifyFile compares the file digest against the expected checksum.
// A mismatch is returned as *IntegrityError.
func verifyFile(path, want string) error {
	newHash, _, err := digestAlgorithm(want)
	if err != nil {
		return err
	}
	got, err := fileDigest(path, newHash)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want) {
		return &IntegrityError{Path: path, Want: strings.ToLower(want), Got: got}
	}
	return nil
}
