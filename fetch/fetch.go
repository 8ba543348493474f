// Package fetch downloads kernel and firmware blobs for the boot
// volume.
package fetch

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// DefaultBaseURL is where kernel and firmware blobs are published.
const DefaultBaseURL = "https://github.com/rustkrazy/kernel/raw/master/"

// A Fetcher retrieves a named blob, e.g. "vmlinuz-x86_64" or
// "cmdline.txt".
type Fetcher interface {
	Fetch(name string) ([]byte, error)
}

// HTTP fetches blobs from BaseURL over HTTP(S).
type HTTP struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTP returns an HTTP fetcher for the given base URL, which must
// end in a slash. An empty baseURL means DefaultBaseURL.
func NewHTTP(baseURL string) *HTTP {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &HTTP{
		BaseURL: baseURL,
		Client: &http.Client{
			CheckRedirect: func(r *http.Request, via []*http.Request) error {
				if len(via) == 0 {
					return nil
				}

				last := via[len(via)-1]
				if last.URL.Host != r.URL.Host {
					// Do not send credentials to other targets
					return nil
				}
				if u := last.URL.User; u != nil {
					if pass, ok := u.Password(); ok {
						// Carry over basic authentication across redirects:
						r.SetBasicAuth(u.Username(), pass)
					}
				}
				return nil
			},
		},
	}
}

func (h *HTTP) Fetch(name string) ([]byte, error) {
	u, err := url.JoinPath(h.BaseURL, name)
	if err != nil {
		return nil, err
	}
	resp, err := h.Client.Get(u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected HTTP status %v", u, resp.Status)
	}
	return io.ReadAll(resp.Body)
}
