package downloader

import (
	"net/url"
	"strings"

	"modellibmgr/internal/storage"
)

// hostProviders maps a URL host substring to the Provider it belongs to,
// data-driven per the Design Notes' "detect by table, not branching"
// preference: adding a new host family is adding a table row, never a
// new if/else arm.
var hostProviders = []struct {
	match    string
	provider storage.Provider
}{
	{"civitai.com", storage.ProviderCivitai},
	{"huggingface.co", storage.ProviderHuggingFace},
}

// DetectProvider classifies a download URL's host into a known provider
// family, defaulting to generic.
func DetectProvider(rawURL string) storage.Provider {
	u, err := url.Parse(rawURL)
	if err != nil {
		return storage.ProviderGeneric
	}
	host := strings.ToLower(u.Hostname())
	for _, hp := range hostProviders {
		if strings.Contains(host, hp.match) {
			return hp.provider
		}
	}
	return storage.ProviderGeneric
}

// bearerHeaders maps a provider to the HTTP header its API key travels in.
// civitai and huggingface both accept a bearer-style Authorization header;
// generic hosts receive no credential at all.
var bearerHeaders = map[storage.Provider]string{
	storage.ProviderCivitai:     "Authorization",
	storage.ProviderHuggingFace: "Authorization",
}

// AuthHeader returns the (name, value) header pair to attach for provider
// given its configured API key, or ("", "") when the provider takes none
// or no key is configured.
func AuthHeader(provider storage.Provider, apiKey string) (name, value string) {
	if apiKey == "" {
		return "", ""
	}
	header, ok := bearerHeaders[provider]
	if !ok {
		return "", ""
	}
	return header, "Bearer " + apiKey
}
