package storage

import (
	"net/url"
	"strings"
)

// ObjectPrefix is the per-collection namespace "{label} ({collectionID})".
// Slashes in the label are replaced so the namespace stays one level deep.
func ObjectPrefix(label, collectionID string) string {
	label = strings.NewReplacer("/", "-", "\\", "-").Replace(strings.TrimSpace(label))
	return label + " (" + collectionID + ")"
}

// ObjectKey is the key of one staged file inside the collection namespace.
func ObjectKey(label, collectionID, fileName string) string {
	return ObjectPrefix(label, collectionID) + "/" + fileName
}

// DestinationLink points a browser at the collection namespace in the object
// store console. consoleURL is the bucket's console URL.
func DestinationLink(consoleURL, label, collectionID string) string {
	sep := "&"
	if !strings.Contains(consoleURL, "?") {
		sep = "?"
	}
	return consoleURL + sep + "prefix=" + url.QueryEscape(ObjectPrefix(label, collectionID)) + "/&showversions=false"
}
