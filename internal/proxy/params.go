package proxy

import "encoding/json"

// fileChangeMethods are the notification methods subject to debouncing and
// the git-tracked-file filter.
var fileChangeMethods = map[string]bool{
	"notifications/file/didChange":  true,
	"notifications/file/didCreate":  true,
	"notifications/file/didDelete":  true,
	"textDocument/didChange":        true,
	"textDocument/didSave":          true,
}

// getURI extracts a routable URI from a request's params, trying the shapes
// this protocol's callers actually use: a bare "uri" field, or a nested
// "textDocument.uri".
func getURI(params json.RawMessage) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	var generic struct {
		URI          string `json:"uri"`
		TextDocument struct {
			URI string `json:"uri"`
		} `json:"textDocument"`
	}
	if err := json.Unmarshal(params, &generic); err != nil {
		return "", false
	}
	if generic.URI != "" {
		return generic.URI, true
	}
	if generic.TextDocument.URI != "" {
		return generic.TextDocument.URI, true
	}
	return "", false
}

// getRoots extracts the workspace root URIs from an initialize request's params.
func getRoots(params json.RawMessage) []string {
	if len(params) == 0 {
		return nil
	}
	var parsed struct {
		Roots []struct {
			URI string `json:"uri"`
		} `json:"roots"`
	}
	if err := json.Unmarshal(params, &parsed); err != nil {
		return nil
	}
	var uris []string
	for _, r := range parsed.Roots {
		if r.URI != "" {
			uris = append(uris, r.URI)
		}
	}
	return uris
}
