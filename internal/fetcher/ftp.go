package fetcher

import (
	"context"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const anonymousUser = "anonymous"

// FTPOptions configures the FTP fetcher. User and Password apply when the
// URL carries no credentials of its own; both empty means anonymous login.
type FTPOptions struct {
	Timeout  time.Duration
	User     string
	Password string
}

// FTPFetcher reads source exports from an FTP drop.
type FTPFetcher struct {
	opts FTPOptions
}

// NewFTPFetcher creates a new FTPFetcher with the given options.
func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &FTPFetcher{opts: opts}
}

// ftpSource is one export file on an FTP drop.
type ftpSource struct {
	addr     string
	path     string
	user     string
	password string
}

// parseFTPSource splits an ftp:// URL into address, file path and login.
// Credentials in the URL win over the configured ones.
func parseFTPSource(rawURL string, opts FTPOptions) (ftpSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ftpSource{}, eris.Wrap(err, "ftp: parse url")
	}
	if u.Scheme != "ftp" {
		return ftpSource{}, eris.Errorf("ftp: expected ftp scheme, got %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		return ftpSource{}, eris.Errorf("ftp: %s names no export file", u.Redacted())
	}
	if strings.HasSuffix(u.Path, "/") {
		return ftpSource{}, eris.Errorf("ftp: %s is a directory, not an export file", u.Redacted())
	}

	src := ftpSource{addr: u.Host, path: u.Path, user: opts.User, password: opts.Password}
	if _, _, splitErr := net.SplitHostPort(src.addr); splitErr != nil {
		src.addr = net.JoinHostPort(src.addr, "21")
	}
	if u.User != nil {
		src.user = u.User.Username()
		src.password, _ = u.User.Password()
	}
	if src.user == "" {
		src.user, src.password = anonymousUser, anonymousUser+"@"
	}
	return src, nil
}

// ftpExport streams one retrieved file. Closing it ends the transfer and
// logs out, and logs how many bytes were read.
type ftpExport struct {
	body io.ReadCloser
	quit func() error
	path string
	read int64
}

func (e *ftpExport) Read(p []byte) (int, error) {
	n, err := e.body.Read(p)
	e.read += int64(n)
	return n, err
}

func (e *ftpExport) Close() error {
	bodyErr := e.body.Close()
	quitErr := e.quit()
	zap.L().Debug("ftp: export closed", zap.String("path", e.path), zap.Int64("bytes_read", e.read))
	if bodyErr != nil {
		return eris.Wrapf(bodyErr, "ftp: close transfer of %s", e.path)
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "ftp: quit")
	}
	return nil
}

// Download logs in to the drop and starts retrieving the export at ftpURL.
// The caller must close the returned reader to release the connection.
func (f *FTPFetcher) Download(ctx context.Context, ftpURL string) (io.ReadCloser, error) {
	src, err := parseFTPSource(ftpURL, f.opts)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("addr", src.addr), zap.String("path", src.path))

	conn, err := ftp.Dial(src.addr, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrapf(err, "ftp: dial %s", src.addr)
	}
	if err := conn.Login(src.user, src.password); err != nil {
		_ = conn.Quit()
		return nil, eris.Wrapf(err, "ftp: login as %s", src.user)
	}

	// SIZE is optional on many drops; the size only feeds the log.
	if size, sizeErr := conn.FileSize(src.path); sizeErr == nil {
		log = log.With(zap.Int64("size", size))
	}
	log.Debug("ftp: retrieving export")

	resp, err := conn.Retr(src.path)
	if err != nil {
		_ = conn.Quit()
		return nil, eris.Wrapf(err, "ftp: retrieve %s", src.path)
	}
	return &ftpExport{body: resp, quit: conn.Quit, path: src.path}, nil
}
