// Package site serves the embedded live leaderboard page.
package site

import (
	"context"
	"net/http"
)

// Register attaches the live board routes to mux. The page itself is
// static; rows arrive over the /ws stream.
func Register(_ context.Context, mux *http.ServeMux) {
	if mux == nil {
		panic("mux is nil")
	}
	files := http.FileServer(FS())
	mux.Handle("GET /{$}", files)
	mux.Handle("GET /board.js", files)
	mux.Handle("GET /board.css", files)
}
