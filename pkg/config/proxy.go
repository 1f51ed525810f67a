// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"net/http"
	"net/url"

	"golang.org/x/net/http/httpproxy"
)

// ProxyFunc resolves the proxy to use for a given target URL following the
// standard http_proxy/https_proxy/no_proxy environment variables. Resolution
// is per URL so no_proxy entries for the platform host are honored.
func ProxyFunc() func(*url.URL) (*url.URL, error) {
	return httpproxy.FromEnvironment().ProxyFunc()
}

// TransportProxy adapts ProxyFunc to the signature http.Transport expects.
func TransportProxy() func(*http.Request) (*url.URL, error) {
	pf := ProxyFunc()
	return func(req *http.Request) (*url.URL, error) {
		return pf(req.URL)
	}
}
