package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Fetcher downloads a remote source file.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Opener resolves a source location to a reader: http(s):// and ftp:// URLs
// go through the matching Fetcher, anything else is a local path.
type Opener struct {
	HTTP Fetcher
	FTP  Fetcher
}

// NewOpener returns an Opener backed by the default HTTP and FTP fetchers.
func NewOpener(timeout time.Duration) *Opener {
	return &Opener{
		HTTP: NewHTTPFetcher(HTTPOptions{Timeout: timeout}),
		FTP:  NewFTPFetcher(FTPOptions{Timeout: timeout}),
	}
}

// Open returns a reader for location. The caller must close it.
func (o *Opener) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	switch scheme(location) {
	case "http", "https":
		if o.HTTP == nil {
			return nil, eris.Errorf("fetcher: no http fetcher for %s", location)
		}
		return o.HTTP.Download(ctx, location)
	case "ftp":
		if o.FTP == nil {
			return nil, eris.Errorf("fetcher: no ftp fetcher for %s", location)
		}
		return o.FTP.Download(ctx, location)
	default:
		f, err := os.Open(strings.TrimPrefix(location, "file://"))
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: open %s", location)
		}
		return f, nil
	}
}

func scheme(location string) string {
	if !strings.Contains(location, "://") {
		return ""
	}
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}
