package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Entity ids are kind-prefixed strings (run_…, art_…, job_…) so a bare id
// is self-describing anywhere it appears in front-matter or logs.

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func NewRunID() string         { return newID("run") }
func NewJobID() string         { return newID("job") }
func NewEventID() string       { return newID("evt") }
func NewArtifactID() string    { return newID("art") }
func NewContextPackID() string { return newID("ctx") }
func NewCommentID() string     { return newID("cmt") }
func NewCompanyID() string     { return newID("co") }

// IDKind returns the kind prefix of an entity id ("run_x" -> "run"),
// or "" when the id carries no prefix.
func IDKind(id string) string {
	if i := strings.IndexByte(id, '_'); i > 0 {
		return id[:i]
	}
	return ""
}
