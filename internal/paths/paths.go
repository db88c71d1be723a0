// Package paths maps a media URL to the local file it is saved as.
// Everything here is pure: no filesystem access.
package paths

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"kickgrab/internal/entity"
	"kickgrab/internal/errs"
	"kickgrab/pkg/urls"
)

// ImagesDir is the subfolder that image downloads are grouped under.
const ImagesDir = "images"

// FileName returns the last '/'-delimited segment of the URL path, ignoring any query or fragment.
// The segment is percent-decoded. A URL without a path yields "".
func FileName(rawURL string) string {
	p := stripQuery(rawURL)

	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}

	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[i+1:]
	}

	return p
}

// Ext returns the text after the last '.' of the file name, or "" when there is none.
func Ext(rawURL string) string {
	return extOf(FileName(rawURL))
}

// Resolve returns the destination path for rawURL under root.
// Images are nested under root/images/<ext>/; all other media types land directly in root.
func Resolve(rawURL, root string, mediaType entity.MediaType) (string, error) {
	return resolve(rawURL, root, mediaType, "")
}

// ResolveRequest resolves req, honouring its FileName override.
func ResolveRequest(req entity.DownloadRequest) (string, error) {
	return resolve(req.URL, req.DestinationRoot, req.MediaType, req.FileName)
}

func resolve(rawURL, root string, mediaType entity.MediaType, override string) (string, error) {
	if err := validate(rawURL); err != nil {
		return "", err
	}

	name := override
	if name == "" {
		name = FileName(rawURL)
	}

	if err := validateName(rawURL, name); err != nil {
		return "", err
	}

	if mediaType == entity.MediaTypeImage {
		return filepath.Join(root, ImagesDir, extOf(name), name), nil
	}

	return filepath.Join(root, name), nil
}

func validate(rawURL string) error {
	if _, err := url.Parse(rawURL); err != nil {
		return errs.NewDownloadError(errs.KindMalformedURL, rawURL, "parse url", err)
	}

	if !urls.IsURLValid(rawURL) {
		return errs.NewDownloadError(errs.KindMalformedURL, rawURL, "not an absolute http(s) url", nil)
	}

	return nil
}

func validateName(rawURL, name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return errs.NewDownloadError(errs.KindMalformedURL, rawURL,
			fmt.Sprintf("no file name in url path (got %q)", name), nil)
	case strings.ContainsAny(name, `/\`):
		return errs.NewDownloadError(errs.KindMalformedURL, rawURL,
			fmt.Sprintf("file name %q contains a path separator", name), nil)
	}

	return nil
}

func extOf(name string) string {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return ""
	}

	return name[i+1:]
}

func stripQuery(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		return rawURL[:i]
	}

	return rawURL
}
