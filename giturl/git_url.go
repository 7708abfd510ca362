// Package giturl parses different git url syntax
package giturl

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// The repository name can contain
	// ASCII letters, digits, and the characters ., -, and _.

	// user@host.xz:path/to/repo.git
	scpURLRgx = regexp.MustCompile(`^(?P<user>[\w\-\.]+)@(?P<host>([\w\-]+\.?[\w\-]+)+(\:\d+)?):(?P<path>([\w\-\.]+\/)*)(?P<repo>[\w\-\.]+(\.git)?)$`)

	// ssh://user@host.xz[:port]/path/to/repo.git
	sshURLRgx = regexp.MustCompile(`^ssh://(?P<user>[\w\-\.]+)@(?P<host>([\w\-]+\.?[\w\-]+)+(\:\d+)??)/(?P<path>([\w\-\.]+\/)*)(?P<repo>[\w\-\.]+(\.git)?)$`)

	// http[s]://[user[:password]@]host.xz[:port]/path/to/repo.git
	httpURLRgx = regexp.MustCompile(`^(?P<scheme>https?)://((?P<user>[^@/:\s]+)(:[^@/\s]*)?@)?(?P<host>([\w\-]+\.?[\w\-]+)+(\:\d+)?)/(?P<path>([\w\-\.]+\/)*)(?P<repo>[\w\-\.]+(\.git)?)$`)

	// file:///path/to/repo.git
	localURLRgx = regexp.MustCompile(`^file:///(?P<path>([\w\-\.]+\/)*)(?P<repo>[\w\-\.]+(\.git)?)$`)
)

// URL represents parsed git url
type URL struct {
	Scheme string // value will be either 'scp', 'ssh', 'https', 'http' or 'local'
	User   string // might be empty for http and local urls
	Host   string // host or host:port
	Path   string // path to the repo
	Repo   string // repository name from the path includes .git
}

// NormaliseURL will return normalised url
func NormaliseURL(rawURL string) string {
	nURL := strings.ToLower(strings.TrimSpace(rawURL))
	nURL = strings.TrimRight(nURL, "/")

	return nURL
}

// Parse parses a raw url into a GitURL structure.
// valid git urls are...
//   - user@host.xz:path/to/repo.git
//   - ssh://user@host.xz[:port]/path/to/repo.git
//   - https://[user@]host.xz[:port]/path/to/repo.git
//   - http://[user@]host.xz[:port]/path/to/repo.git
//   - file:///path/to/repo.git
func Parse(rawURL string) (*URL, error) {
	gURL := &URL{}

	rawURL = NormaliseURL(rawURL)

	var sections []string

	switch {
	case IsSCPURL(rawURL):
		sections = scpURLRgx.FindStringSubmatch(rawURL)
		gURL.Scheme = "scp"
		gURL.User = sections[scpURLRgx.SubexpIndex("user")]
		gURL.Host = sections[scpURLRgx.SubexpIndex("host")]
		gURL.Path = sections[scpURLRgx.SubexpIndex("path")]
		gURL.Repo = sections[scpURLRgx.SubexpIndex("repo")]
	case IsSSHURL(rawURL):
		sections = sshURLRgx.FindStringSubmatch(rawURL)
		gURL.Scheme = "ssh"
		gURL.User = sections[sshURLRgx.SubexpIndex("user")]
		gURL.Host = sections[sshURLRgx.SubexpIndex("host")]
		gURL.Path = sections[sshURLRgx.SubexpIndex("path")]
		gURL.Repo = sections[sshURLRgx.SubexpIndex("repo")]
	case httpURLRgx.MatchString(rawURL):
		sections = httpURLRgx.FindStringSubmatch(rawURL)
		gURL.Scheme = sections[httpURLRgx.SubexpIndex("scheme")]
		gURL.User = sections[httpURLRgx.SubexpIndex("user")]
		gURL.Host = sections[httpURLRgx.SubexpIndex("host")]
		gURL.Path = sections[httpURLRgx.SubexpIndex("path")]
		gURL.Repo = sections[httpURLRgx.SubexpIndex("repo")]
	case IsLocalURL(rawURL):
		sections = localURLRgx.FindStringSubmatch(rawURL)
		gURL.Scheme = "local"
		gURL.Path = sections[localURLRgx.SubexpIndex("path")]
		gURL.Repo = sections[localURLRgx.SubexpIndex("repo")]
	default:
		return nil, fmt.Errorf(
			"provided '%s' remote url is invalid, supported urls are 'user@host.xz:path/to/repo.git','ssh://user@host.xz/path/to/repo.git' or 'https://host.xz/path/to/repo.git'",
			Redact(rawURL))
	}

	// scp path doesn't have leading "/"
	// also removing training "/" for consistency
	gURL.Path = strings.Trim(gURL.Path, "/")

	if gURL.Path == "" && gURL.Scheme != "local" {
		return nil, fmt.Errorf("repo path (org) cannot be empty")
	}
	if gURL.Repo == "" || gURL.Repo == ".git" {
		return nil, fmt.Errorf("repo name is invalid")
	}

	return gURL, nil
}

// Equals returns whether or not the two parsed git URLs are equivalent.
// git URLs can be represented in multiple schemes so if host, path and repo name
// of URLs are same then those URLs are for the same remote repository
func (lURL *URL) Equals(rURL *URL) bool {
	return lURL.Host == rURL.Host &&
		lURL.Path == rURL.Path &&
		(lURL.Repo == rURL.Repo ||
			strings.TrimSuffix(lURL.Repo, ".git") == strings.TrimSuffix(rURL.Repo, ".git"))
}

// SameRawURL returns whether or not the two remote URL strings are equivalent
func SameRawURL(lRepo, rRepo string) (bool, error) {
	lURL, err := Parse(lRepo)
	if err != nil {
		return false, err
	}
	rURL, err := Parse(rRepo)
	if err != nil {
		return false, err
	}

	return lURL.Equals(rURL), nil
}

// IsSCPURL returns true if supplied URL is scp-like syntax
func IsSCPURL(rawURL string) bool {
	return scpURLRgx.MatchString(rawURL)
}

// IsSSHURL returns true if supplied URL is SSH URL
func IsSSHURL(rawURL string) bool {
	return sshURLRgx.MatchString(rawURL)
}

// IsHTTPSURL returns true if supplied URL is HTTPS URL
func IsHTTPSURL(rawURL string) bool {
	s := httpURLRgx.FindStringSubmatch(rawURL)
	return s != nil && s[httpURLRgx.SubexpIndex("scheme")] == "https"
}

// IsHTTPURL returns true if supplied URL is a plain HTTP or HTTPS URL
func IsHTTPURL(rawURL string) bool {
	return httpURLRgx.MatchString(rawURL)
}

// IsLocalURL returns true if supplied URL is local file URL
func IsLocalURL(rawURL string) bool {
	return localURLRgx.MatchString(rawURL)
}

// IsSecure returns true if the url uses the https scheme. It only looks at
// the scheme so it works for urls Parse doesn't support.
func IsSecure(rawURL string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(rawURL)), "https://")
}

// Redact replaces the password of http(s) urls so that url can be logged
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	return u.Redacted()
}
