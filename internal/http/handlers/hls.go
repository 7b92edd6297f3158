package handlers

import (
	"net/http"
)

// HLSFileServer serves each stream's index.m3u8 playlist and fragment files
// straight off disk: the HLS Writer already maintains an
// atomic, sliding-window directory per stream, so the status API only needs
// to front it with CORS headers a browser-based HLS player requires for
// cross-origin range requests.
func HLSFileServer(baseDir string) http.Handler {
	fs := http.FileServer(http.Dir(baseDir))
	cfg := DefaultCORSConfig()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", cfg.AllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", cfg.AllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", cfg.AllowHeaders)
		w.Header().Set("Access-Control-Expose-Headers", cfg.ExposeHeaders)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		fs.ServeHTTP(w, r)
	})
}
