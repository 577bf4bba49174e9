package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Fingerprint 请求指纹，相同的 (url, format, quality, platform) 总是得到相同的值
func Fingerprint(url, format, quality, platform string) string {
	h := sha256.New()
	for _, part := range []string{
		norm.NFKC.String(strings.TrimSpace(url)),
		normalize(format),
		normalize(quality),
		normalize(platform),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(s string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(s)))
}
