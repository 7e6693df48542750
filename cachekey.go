package metabase

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// KeySeparator joins the parts of a cache key.
const KeySeparator = "|"

// EntityNamespace names the cache namespace of one entity, e.g. "card:7".
func EntityNamespace(kind string, id any) string {
	return fmt.Sprintf("%s:%v", kind, id)
}

// ListNamespace names the namespace of listings of kind, e.g. "card:list".
func ListNamespace(kind string) string {
	return kind + ":list"
}

// NamespacePrefix returns the key prefix shared by every entry in namespace.
func NamespacePrefix(namespace string) string {
	return namespace + KeySeparator
}

// Fingerprint builds the cache key "namespace|operation|hash". The hash
// covers the canonical encoding of params, which sorts keys, so logically
// identical requests map to the same key.
func Fingerprint(namespace, operation string, params url.Values) string {
	h := xxhash.New()
	_, _ = h.WriteString(operation)
	_, _ = h.WriteString("?")
	_, _ = h.WriteString(params.Encode())
	return namespace + KeySeparator + operation + KeySeparator + strconv.FormatUint(h.Sum64(), 16)
}

// fingerprintBody hashes a request body for inclusion in the parameters.
func fingerprintBody(body []byte) string {
	return strconv.FormatUint(xxhash.Sum64(body), 16)
}
