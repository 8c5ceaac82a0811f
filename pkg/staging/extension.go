package staging

import (
	"mime"
	"strings"

	"github.com/Sternrassler/nft-collection-archiver/pkg/asset"
	"github.com/gabriel-vasile/mimetype"
)

// ExtensionFor maps a Content-Type header value to a file extension,
// falling back to asset.DefaultExtension.
func ExtensionFor(contentType string) string {
	if contentType == "" {
		return asset.DefaultExtension
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}

	m := mimetype.Lookup(strings.ToLower(mediaType))
	if m == nil || m.Extension() == "" {
		return asset.DefaultExtension
	}
	return m.Extension()
}
