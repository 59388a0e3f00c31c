// Package assethost stores artifact bytes returned inline by synchronous
// providers and hands back a URL the review ledger can link to.
package assethost

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// Host stores bytes under a key and returns a URL for them.
type Host interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// contentKey rewrites key so its base name is the sha256 of data. The
// provider/model prefix and the extension survive; identical bytes map to
// the same object.
func contentKey(key string, data []byte) string {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	dir := path.Dir(key)
	ext := path.Ext(key)
	if dir == "." || dir == "/" {
		return hash[:2] + "/" + hash + ext
	}
	return strings.TrimPrefix(dir, "/") + "/" + hash[:2] + "/" + hash + ext
}
