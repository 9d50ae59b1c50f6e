// Package docid defines the composite identifiers used throughout loresync.
//
// Every synchronizable document is addressed by a three-part composite key
// (owner, project, element), wire-encoded as "owner:project:element". Media
// and project-level sync state are addressed by a two-part project key,
// encoded as "owner/project". Both forms are validated before any I/O
// happens; malformed ids fail fast with ErrInvalidDocumentID or
// ErrInvalidProjectKey.
package docid

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidDocumentID indicates a document id that is not a valid
	// owner:project:element triple.
	ErrInvalidDocumentID = errors.New("invalid document id")

	// ErrInvalidProjectKey indicates a project key that is not a valid
	// owner/project pair.
	ErrInvalidProjectKey = errors.New("invalid project key")
)

// partPattern constrains each id component: slugs and element ids are
// lowercase-insensitive alphanumerics plus dash/underscore/dot.
var partPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// DocumentID identifies one synchronizable document.
type DocumentID struct {
	// Owner is the username of the project owner.
	Owner string

	// Project is the project slug.
	Project string

	// Element is the element id within the project (a prose document,
	// a worldbuilding element, or a relationship set).
	Element string
}

// Parse parses "owner:project:element" into a DocumentID.
//
// All three parts must be present and non-empty. Returns an error wrapping
// ErrInvalidDocumentID otherwise.
func Parse(s string) (DocumentID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return DocumentID{}, fmt.Errorf("%w: %q (want owner:project:element)", ErrInvalidDocumentID, s)
	}
	for _, p := range parts {
		if !partPattern.MatchString(p) {
			return DocumentID{}, fmt.Errorf("%w: %q (bad component %q)", ErrInvalidDocumentID, s, p)
		}
	}
	return DocumentID{Owner: parts[0], Project: parts[1], Element: parts[2]}, nil
}

// String returns the wire form "owner:project:element".
func (id DocumentID) String() string {
	return id.Owner + ":" + id.Project + ":" + id.Element
}

// Validate reports whether the id is well-formed.
func (id DocumentID) Validate() error {
	for _, p := range []string{id.Owner, id.Project, id.Element} {
		if !partPattern.MatchString(p) {
			return fmt.Errorf("%w: %q", ErrInvalidDocumentID, id.String())
		}
	}
	return nil
}

// ProjectKey returns the project key for this document.
func (id DocumentID) ProjectKey() ProjectKey {
	return ProjectKey{Owner: id.Owner, Project: id.Project}
}

// ProjectKey identifies one project (owner + slug). Media reconciliation and
// the project sync registry are keyed at this granularity.
type ProjectKey struct {
	Owner   string
	Project string
}

// ParseProjectKey parses "owner/project" into a ProjectKey.
func ParseProjectKey(s string) (ProjectKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return ProjectKey{}, fmt.Errorf("%w: %q (want owner/project)", ErrInvalidProjectKey, s)
	}
	for _, p := range parts {
		if !partPattern.MatchString(p) {
			return ProjectKey{}, fmt.Errorf("%w: %q (bad component %q)", ErrInvalidProjectKey, s, p)
		}
	}
	return ProjectKey{Owner: parts[0], Project: parts[1]}, nil
}

// String returns the wire form "owner/project".
func (k ProjectKey) String() string {
	return k.Owner + "/" + k.Project
}

// Validate reports whether the key is well-formed.
func (k ProjectKey) Validate() error {
	for _, p := range []string{k.Owner, k.Project} {
		if !partPattern.MatchString(p) {
			return fmt.Errorf("%w: %q", ErrInvalidProjectKey, k.String())
		}
	}
	return nil
}
