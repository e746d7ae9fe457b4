package httputil

import (
	"net"
	"net/http"
	"time"

	"homescout_ingest/config"
)

// apiTimeout bounds a single Apify request; run polling is bounded separately.
const apiTimeout = 60 * time.Second

const maxRedirects = 10

type Clients struct {
	API    *http.Client // Apify run/dataset calls
	Verify *http.Client // listing page checks, follows redirects
}

func NewClients(verify config.VerifyConfig) *Clients {
	timeout := verify.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &Clients{
		API: &http.Client{Timeout: apiTimeout},
		Verify: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}
