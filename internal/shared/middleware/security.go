package middleware

import (
	"net"
	"net/http"
	"strings"
)

const hstsValue = "max-age=31536000; includeSubDomains"

// SecurityHeaders sets response headers common to every API response.
// Referrer-Policy matters here: the consent callback URL carries the
// authorization code. HSTS is only sent when the server terminates TLS.
func SecurityHeaders(hsts bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			if hsts {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecureCookies rewrites every Set-Cookie header so it carries Secure and
// HttpOnly, and SameSite=Lax unless the handler chose a mode. Lax keeps the
// session cookie on the top-level navigation back from the bank.
func SecureCookies(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&cookieHardener{ResponseWriter: w}, r)
	})
}

type cookieHardener struct {
	http.ResponseWriter
	done bool
}

func (w *cookieHardener) Write(b []byte) (int, error) {
	if !w.done {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *cookieHardener) WriteHeader(statusCode int) {
	if w.done {
		return
	}
	w.done = true

	h := w.ResponseWriter.Header()
	if raw := h.Values("Set-Cookie"); len(raw) > 0 {
		hardened := make([]string, len(raw))
		for i, c := range raw {
			hardened[i] = hardenCookie(c)
		}
		h["Set-Cookie"] = hardened
	}

	w.ResponseWriter.WriteHeader(statusCode)
}

func hardenCookie(cookie string) string {
	parts := strings.Split(cookie, ";")
	var secure, httpOnly, sameSite bool

	for i, p := range parts {
		p = strings.TrimSpace(p)
		parts[i] = p
		switch attr := strings.ToLower(p); {
		case attr == "secure":
			secure = true
		case attr == "httponly":
			httpOnly = true
		case strings.HasPrefix(attr, "samesite"):
			sameSite = true
		}
	}

	if !secure {
		parts = append(parts, "Secure")
	}
	if !httpOnly {
		parts = append(parts, "HttpOnly")
	}
	if !sameSite {
		parts = append(parts, "SameSite=Lax")
	}
	return strings.Join(parts, "; ")
}

// RequireHTTPS redirects plain HTTP requests to the HTTPS origin. Hosts
// outside allowedHosts get a 400 so a forged Host header cannot steer the
// redirect. Health probes are answered over HTTP.
func RequireHTTPS(allowedHosts []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isHTTPS(r) || strings.HasPrefix(r.URL.Path, "/health") {
				next.ServeHTTP(w, r)
				return
			}

			host := r.Header.Get("X-Forwarded-Host")
			if host == "" {
				host = r.Host
			}
			if !IsHostAllowed(host, allowedHosts) {
				http.Error(w, "Invalid host", http.StatusBadRequest)
				return
			}

			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
				if strings.Contains(h, ":") {
					host = "[" + h + "]"
				}
			}
			http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
		})
	}
}

func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// IsHostAllowed reports whether host (with or without port) is in
// allowedHosts. An empty list allows every host.
func IsHostAllowed(host string, allowedHosts []string) bool {
	if len(allowedHosts) == 0 {
		return true
	}

	host = strings.ToLower(strings.TrimSpace(host))
	bare := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		bare = h
	}

	for _, allowed := range allowedHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		allowedBare := allowed
		if h, _, err := net.SplitHostPort(allowed); err == nil {
			allowedBare = h
		}
		if host == allowed || bare == allowedBare {
			return true
		}
	}
	return false
}
