package docid

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    DocumentID
		wantErr bool
	}{
		{
			name:  "valid triple",
			input: "alice:middle-earth:chapter_01",
			want:  DocumentID{Owner: "alice", Project: "middle-earth", Element: "chapter_01"},
		},
		{
			name:  "uuid element",
			input: "bob:keep:3f2a9c1e-77d4-4b5f-9a10-2f4d83a61c20",
			want:  DocumentID{Owner: "bob", Project: "keep", Element: "3f2a9c1e-77d4-4b5f-9a10-2f4d83a61c20"},
		},
		{name: "too few parts", input: "alice:middle-earth", wantErr: true},
		{name: "too many parts", input: "a:b:c:d", wantErr: true},
		{name: "empty component", input: "alice::chapter", wantErr: true},
		{name: "empty string", input: "", wantErr: true},
		{name: "whitespace component", input: "alice:my project:chapter", wantErr: true},
		{name: "leading dash", input: "alice:-proj:ch", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) = %v, want error", tt.input, got)
				}
				if !errors.Is(err, ErrInvalidDocumentID) {
					t.Errorf("Parse(%q) error = %v, want ErrInvalidDocumentID", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestDocumentID_RoundTrip(t *testing.T) {
	id := DocumentID{Owner: "alice", Project: "middle-earth", Element: "ch1"}

	parsed, err := Parse(id.String())
	if err != nil {
		t.Fatalf("Parse(String()) failed: %v", err)
	}
	if parsed != id {
		t.Errorf("round trip changed id: got %+v, want %+v", parsed, id)
	}
}

func TestDocumentID_ProjectKey(t *testing.T) {
	id := DocumentID{Owner: "alice", Project: "middle-earth", Element: "ch1"}
	key := id.ProjectKey()

	if key.Owner != "alice" || key.Project != "middle-earth" {
		t.Errorf("ProjectKey() = %+v", key)
	}
	if key.String() != "alice/middle-earth" {
		t.Errorf("ProjectKey().String() = %q", key.String())
	}
}

func TestParseProjectKey(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{input: "alice/middle-earth"},
		{input: "alice", wantErr: true},
		{input: "alice/proj/extra", wantErr: true},
		{input: "/proj", wantErr: true},
		{input: "alice/", wantErr: true},
	}

	for _, tt := range tests {
		_, err := ParseProjectKey(tt.input)
		if tt.wantErr && err == nil {
			t.Errorf("ParseProjectKey(%q) succeeded, want error", tt.input)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("ParseProjectKey(%q) failed: %v", tt.input, err)
		}
	}
}

func TestValidate(t *testing.T) {
	good := DocumentID{Owner: "a", Project: "b", Element: "c"}
	if err := good.Validate(); err != nil {
		t.Errorf("Validate() on good id failed: %v", err)
	}

	bad := DocumentID{Owner: "a", Project: "", Element: "c"}
	if err := bad.Validate(); err == nil {
		t.Error("Validate() on empty project succeeded, want error")
	}
}
