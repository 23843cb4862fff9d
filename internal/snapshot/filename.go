package snapshot

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/crawl-snapshots/internal/crawler"
	"github.com/JakeFAU/crawl-snapshots/internal/hash/sha1"
)

// Naming limits for snapshot keys.
const (
	SnapshotPrefix     = "ERROR_SNAPSHOT"
	BaseMessage        = "An error occurred"
	MaxHashLength      = 30
	MaxErrorCharacters = 30
	MaxFilenameLength  = 250
)

// \W excludes '_', so the field separators survive the dash replacement and
// keys read ERROR_SNAPSHOT_<hash>_<message>.
var (
	edgeNonWord = regexp.MustCompile(`^\W+|\W+$`)
	nonWordRun  = regexp.MustCompile(`\W+`)
	hasher      = sha1.New()
)

// GenerateFilename derives the storage key shared by both artifacts of one
// error. Errors with the same stack (or message when there is no stack) and
// the same leading message map to the same key.
func GenerateFilename(capErr crawler.CapturedError) string {
	source := capErr.Stack
	if source == "" {
		source = capErr.Message
	}
	digest := hasher.HashPrefix([]byte(source), MaxHashLength)

	message := capErr.Message
	if message == "" {
		message = BaseMessage
	}
	message = strings.TrimSpace(firstRunes(message, MaxErrorCharacters))

	name := SnapshotPrefix + "_" + trimNonWord(digest) + "_" + trimNonWord(message)
	name = nonWordRun.ReplaceAllString(name, "-")
	if len(name) > MaxFilenameLength {
		name = name[:MaxFilenameLength]
	}
	return name
}

func trimNonWord(s string) string {
	return edgeNonWord.ReplaceAllString(s, "")
}

func firstRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
