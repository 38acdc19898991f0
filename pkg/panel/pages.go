package panel

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
)

// publicPages are reachable without a session.
var publicPages = map[string]struct{}{
	"/signin": {},
	"/signup": {},
}

// mountPages serves the static panel pages with the sign-in redirect
// contract: unauthenticated requests to protected pages go to /signin,
// and authenticated requests to the sign-in/sign-up pages go home.
func (s *server) mountPages(r chi.Router) {
	fs := http.FileServer(http.Dir(s.cfg.Server.WebDir))

	r.Group(func(r chi.Router) {
		r.Use(s.pageRedirects)

		r.Get("/", s.servePage(fs))
		r.Get("/signin", s.servePage(fs))
		r.Get("/signup", s.servePage(fs))
		r.Get("/static/*", func(w http.ResponseWriter, r *http.Request) {
			fs.ServeHTTP(w, r)
		})
	})
}

// pageRedirects applies the auth boundary to page routes.
func (s *server) pageRedirects(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, isPublic := publicPages[r.URL.Path]
		authed := s.sessionUser(r) != nil

		switch {
		case !authed && !isPublic:
			http.Redirect(w, r, "/signin", http.StatusFound)
		case authed && isPublic:
			http.Redirect(w, r, "/", http.StatusFound)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// servePage serves the HTML entry point for a page route. Page paths map
// onto <web_dir>/<page>.html, with / served from index.html.
func (s *server) servePage(fs http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			name := filepath.Base(r.URL.Path) + ".html"
			http.ServeFile(w, r, filepath.Join(s.cfg.Server.WebDir, name))

			return
		}

		fs.ServeHTTP(w, r)
	}
}
