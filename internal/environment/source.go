package environment

import (
	"fmt"
	"net/url"
	"path"
	goruntime "runtime"
	"strings"
	"text/template"
)

// DownloadSource is a resolved runtime archive.
type DownloadSource struct {
	URL string
	// SHA256 is the expected hex digest; empty disables checksum verification.
	SHA256 string
	// Size is the expected byte length; zero disables the size check.
	Size     int64
	FileName string
	Triple   string
}

// SourceSpec describes how to build a DownloadSource for the host.
type SourceSpec struct {
	URLTemplate   string
	PythonVersion string
	Release       string
	SHA256        string
	Size          int64
	// GOOS and GOARCH default to the running platform.
	GOOS   string
	GOARCH string
}

// platformTriples maps GOOS/GOARCH to python-build-standalone target triples.
var platformTriples = map[string]string{
	"linux/amd64":   "x86_64-unknown-linux-gnu",
	"linux/arm64":   "aarch64-unknown-linux-gnu",
	"darwin/amd64":  "x86_64-apple-darwin",
	"darwin/arm64":  "aarch64-apple-darwin",
	"windows/amd64": "x86_64-pc-windows-msvc",
	"windows/arm64": "aarch64-pc-windows-msvc",
}

// ResolveSource expands s.URLTemplate for the target platform. It fails
// with a provisioning error (unsupported_platform) when no archive exists.
func ResolveSource(s SourceSpec) (DownloadSource, error) {
	goos, goarch := s.GOOS, s.GOARCH
	if goos == "" {
		goos = goruntime.GOOS
	}
	if goarch == "" {
		goarch = goruntime.GOARCH
	}
	triple, ok := platformTriples[goos+"/"+goarch]
	if !ok {
		return DownloadSource{}, provisionErr(StagePrepare, FailUnsupportedPlatform,
			fmt.Errorf("no runtime archive for %s/%s", goos, goarch))
	}

	tmpl, err := template.New("url").Option("missingkey=error").Parse(s.URLTemplate)
	if err != nil {
		return DownloadSource{}, provisionErr(StagePrepare, FailInvalidSource, fmt.Errorf("parse url template: %w", err))
	}
	var b strings.Builder
	err = tmpl.Execute(&b, map[string]string{
		"Release":       s.Release,
		"PythonVersion": s.PythonVersion,
		"Triple":        triple,
		"OS":            goos,
		"Arch":          goarch,
	})
	if err != nil {
		return DownloadSource{}, provisionErr(StagePrepare, FailInvalidSource, fmt.Errorf("expand url template: %w", err))
	}

	raw := b.String()
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return DownloadSource{}, provisionErr(StagePrepare, FailInvalidSource, fmt.Errorf("invalid download url %q", raw))
	}

	return DownloadSource{
		URL:      raw,
		SHA256:   strings.ToLower(strings.TrimSpace(s.SHA256)),
		Size:     s.Size,
		FileName: path.Base(u.Path),
		Triple:   triple,
	}, nil
}
