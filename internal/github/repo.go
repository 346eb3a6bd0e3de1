package github

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidRepo is returned by ParseRepo for input that is not a repository reference.
var ErrInvalidRepo = errors.New("invalid repository reference")

var namePart = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ParseRepo extracts owner and name from "owner/name" or a github.com URL.
func ParseRepo(ref string) (owner, name string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", ErrInvalidRepo
	}

	if strings.Contains(ref, "://") || strings.HasPrefix(ref, "github.com/") || strings.HasPrefix(ref, "www.github.com/") {
		if !strings.Contains(ref, "://") {
			ref = "https://" + ref
		}
		u, err := url.Parse(ref)
		if err != nil {
			return "", "", ErrInvalidRepo
		}
		host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
		if host != "github.com" {
			return "", "", ErrInvalidRepo
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) < 2 {
			return "", "", ErrInvalidRepo
		}
		owner, name = parts[0], strings.TrimSuffix(parts[1], ".git")
	} else {
		parts := strings.Split(ref, "/")
		if len(parts) != 2 {
			return "", "", ErrInvalidRepo
		}
		owner, name = parts[0], parts[1]
	}

	if !namePart.MatchString(owner) || !namePart.MatchString(name) {
		return "", "", ErrInvalidRepo
	}
	return owner, name, nil
}
