package github

import (
	"errors"
	"testing"
)

func TestParseRepo(t *testing.T) {
	tests := []struct {
		in        string
		wantOwner string
		wantName  string
		wantErr   bool
	}{
		{in: "octo/widgets", wantOwner: "octo", wantName: "widgets"},
		{in: "  octo/widgets  ", wantOwner: "octo", wantName: "widgets"},
		{in: "https://github.com/octo/widgets", wantOwner: "octo", wantName: "widgets"},
		{in: "https://github.com/octo/widgets/issues/12?q=1", wantOwner: "octo", wantName: "widgets"},
		{in: "https://www.github.com/octo/widgets.git", wantOwner: "octo", wantName: "widgets"},
		{in: "github.com/octo/widgets", wantOwner: "octo", wantName: "widgets"},
		{in: "", wantErr: true},
		{in: "octo", wantErr: true},
		{in: "octo/widgets/extra", wantErr: true},
		{in: "/widgets", wantErr: true},
		{in: "https://gitlab.com/octo/widgets", wantErr: true},
		{in: "https://github.com/octo", wantErr: true},
		{in: "octo/wid gets", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			owner, name, err := ParseRepo(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRepo) {
					t.Fatalf("ParseRepo(%q) error = %v, want ErrInvalidRepo", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRepo(%q) unexpected error: %v", tt.in, err)
			}
			if owner != tt.wantOwner || name != tt.wantName {
				t.Errorf("ParseRepo(%q) = %q, %q; want %q, %q", tt.in, owner, name, tt.wantOwner, tt.wantName)
			}
		})
	}
}
