package session

import (
	"net/http"
	"time"
)

const defaultCookieName = "id"
const defaultCookieMaxAge = 600 * time.Second

// CookieOptions configures the Set-Cookie attributes the egress
// middleware emits. The zero value is not useful directly; construct
// with NewCookieOptions to get the documented defaults.
type CookieOptions struct {
	name     string
	domain   string
	path     string
	sameSite http.SameSite
	secure   bool
	httpOnly bool
	maxAge   time.Duration
}

// NewCookieOptions returns a CookieOptions with the defaults: name "id",
// HttpOnly, Secure, SameSite=Lax, Max-Age 600s, no Domain, Path "/".
func NewCookieOptions() *CookieOptions {
	return &CookieOptions{
		name:     defaultCookieName,
		path:     "/",
		sameSite: http.SameSiteLaxMode,
		secure:   true,
		httpOnly: true,
		maxAge:   defaultCookieMaxAge,
	}
}

func (c *CookieOptions) Name(name string) *CookieOptions     { c.name = name; return c }
func (c *CookieOptions) Domain(domain string) *CookieOptions { c.domain = domain; return c }
func (c *CookieOptions) Path(path string) *CookieOptions     { c.path = path; return c }
func (c *CookieOptions) SameSite(s http.SameSite) *CookieOptions {
	c.sameSite = s
	return c
}
func (c *CookieOptions) Secure(secure bool) *CookieOptions     { c.secure = secure; return c }
func (c *CookieOptions) HTTPOnly(httpOnly bool) *CookieOptions { c.httpOnly = httpOnly; return c }
func (c *CookieOptions) MaxAge(d time.Duration) *CookieOptions { c.maxAge = d; return c }

func (c *CookieOptions) cookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     c.name,
		Value:    value,
		Domain:   c.domain,
		Path:     c.path,
		SameSite: c.sameSite,
		Secure:   c.secure,
		HttpOnly: c.httpOnly,
		MaxAge:   int(c.maxAge.Seconds()),
	}
}

// clearingCookie returns a cookie with an empty value and MaxAge<0, which
// Go's net/http renders as the literal "Max-Age=0" attribute instructing
// the browser to delete the cookie immediately.
func (c *CookieOptions) clearingCookie() *http.Cookie {
	return &http.Cookie{
		Name:     c.name,
		Value:    "",
		Domain:   c.domain,
		Path:     c.path,
		SameSite: c.sameSite,
		Secure:   c.secure,
		HttpOnly: c.httpOnly,
		MaxAge:   -1,
	}
}
