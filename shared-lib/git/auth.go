package git

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Auth holds authentication credentials for Git repository access.
//
// Note: the public crates.io index needs no credentials, mirrors hosted on GitHub
// and similar services should use personal access tokens instead of passwords.
type Auth struct {
	Username   string // Username for Git authentication
	Token      string // Personal access token or password for authentication
	CABundle   []byte // CA bundle (PEM encoded) for self-signed certificates
	ClientCert []byte // Client certificate (PEM encoded)
	ClientKey  []byte // Private key (PEM encoded) for client certificate
}

// getAuthMethod returns the authentication method for the given remote URL.
//
// Supported URL formats:
//   - HTTPS: https://github.com/rust-lang/crates.io-index
//   - HTTP: http://mirror.local/crates.io-index.git
//   - local paths and file:// URLs (no authentication)
func getAuthMethod(url string, auth *Auth) (transport.AuthMethod, error) {
	if auth == nil {
		return nil, nil
	}

	if strings.HasPrefix(url, "git@") || strings.Contains(url, "ssh://") {
		return nil, fmt.Errorf("only https based git is supported")
	}

	if auth.Username != "" && auth.Token != "" {
		return &http.BasicAuth{
			Username: auth.Username,
			Password: auth.Token,
		}, nil
	}

	return nil, nil
}
