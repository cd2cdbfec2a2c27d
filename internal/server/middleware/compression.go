package middleware

import (
	"net/http"
	"strings"

	"github.com/easyott/eos/internal/manifest"
)

// SkipCompressionForMedia wraps a compression middleware handler to
// skip compression for fMP4 subtitle fragments. They are small binary
// payloads that players fetch with Range requests; compression breaks
// Content-Range accounting and saves nothing. Manifests and WebVTT
// stay compressed.
func SkipCompressionForMedia(compressionHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressedHandler := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.Contains(r.URL.Path, "/"+manifest.DASHFragmentPrefix+"/") {
				next.ServeHTTP(w, r)
				return
			}
			compressedHandler.ServeHTTP(w, r)
		})
	}
}
