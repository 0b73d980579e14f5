package session_test

import (
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"

	session "github.com/outpostlabs/sessvault"
	"github.com/outpostlabs/sessvault/store/memory"
)

type profile struct {
	Name string `json:"name"`
}

func newManager() *session.Manager {
	cookieOpts := session.NewCookieOptions().Secure(false)
	return session.NewManager(memory.New(), nil, cookieOpts)
}

type runner struct {
	t      *testing.T
	srv    *httptest.Server
	jar    http.CookieJar
	client *http.Client
	srvURL string
}

func newRunner(t *testing.T, mgr *session.Manager, handler http.HandlerFunc) *runner {
	t.Helper()
	srv := httptest.NewServer(mgr.Manage(handler))
	t.Cleanup(srv.Close)
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New() returned unexpected error: %v", err)
	}
	return &runner{
		t:      t,
		srv:    srv,
		jar:    jar,
		client: &http.Client{Jar: jar},
		srvURL: srv.URL,
	}
}

func (r *runner) get(path string) *http.Response {
	r.t.Helper()
	resp, err := r.client.Get(r.srvURL + path)
	if err != nil {
		r.t.Fatalf("GET %s returned unexpected error: %v", path, err)
	}
	resp.Body.Close()
	return resp
}

func TestInsertThenGetRoundTrips(t *testing.T) {
	mgr := newManager()
	handler := func(w http.ResponseWriter, req *http.Request) {
		s := session.Get(req.Context())
		switch req.URL.Path {
		case "/write":
			if _, err := session.Insert(req.Context(), s, "profile", profile{Name: "ada"}, nil); err != nil {
				t.Fatalf("Insert() returned unexpected error: %v", err)
			}
		case "/read":
			got, ok, err := session.Get[profile](req.Context(), s, "profile")
			if err != nil {
				t.Fatalf("Get() returned unexpected error: %v", err)
			}
			if !ok {
				t.Fatalf("Get() reported field absent, want present")
			}
			if got.Name != "ada" {
				t.Errorf("Get() = %+v, want Name=ada", got)
			}
		}
	}
	r := newRunner(t, mgr, handler)
	r.get("/write")
	r.get("/read")
}

func TestCookieIssuedOnFirstWrite(t *testing.T) {
	mgr := newManager()
	handler := func(w http.ResponseWriter, req *http.Request) {
		s := session.Get(req.Context())
		if _, err := session.Insert(req.Context(), s, "k", "v", nil); err != nil {
			t.Fatalf("Insert() returned unexpected error: %v", err)
		}
	}
	r := newRunner(t, mgr, handler)
	resp := r.get("/")
	var sawCookie bool
	for _, c := range resp.Cookies() {
		if c.Name == "id" {
			sawCookie = true
		}
	}
	if !sawCookie {
		t.Errorf("expected a session cookie to be set on first write")
	}
}

func TestNoWriteNoCookie(t *testing.T) {
	mgr := newManager()
	handler := func(w http.ResponseWriter, req *http.Request) {}
	r := newRunner(t, mgr, handler)
	resp := r.get("/")
	if len(resp.Cookies()) != 0 {
		t.Errorf("expected no cookies when the handler never writes, got %v", resp.Cookies())
	}
}

func TestDeleteClearsCookie(t *testing.T) {
	mgr := newManager()
	var phase string
	handler := func(w http.ResponseWriter, req *http.Request) {
		s := session.Get(req.Context())
		if phase == "create" {
			if _, err := session.Insert(req.Context(), s, "k", "v", nil); err != nil {
				t.Fatalf("Insert() returned unexpected error: %v", err)
			}
			return
		}
		if err := s.Delete(req.Context()); err != nil {
			t.Fatalf("Delete() returned unexpected error: %v", err)
		}
	}
	r := newRunner(t, mgr, handler)
	phase = "create"
	resp1 := r.get("/")
	var created *http.Cookie
	for _, c := range resp1.Cookies() {
		if c.Name == "id" {
			created = c
		}
	}
	if created == nil {
		t.Fatalf("expected a session cookie after create")
	}

	phase = "delete"
	resp2 := r.get("/")
	var cleared *http.Cookie
	for _, c := range resp2.Cookies() {
		if c.Name == "id" {
			cleared = c
		}
	}
	if cleared == nil {
		t.Fatalf("expected a clearing Set-Cookie after Delete")
	}
	if cleared.MaxAge >= 0 {
		t.Errorf("clearing cookie MaxAge = %d, want negative", cleared.MaxAge)
	}
}

func TestRegenerateChangesID(t *testing.T) {
	mgr := newManager()
	var ids []string
	handler := func(w http.ResponseWriter, req *http.Request) {
		s := session.Get(req.Context())
		if _, err := session.Insert(req.Context(), s, "k", "v", nil); err != nil {
			t.Fatalf("Insert() returned unexpected error: %v", err)
		}
		if req.URL.Path == "/regen" {
			if err := s.Regenerate(req.Context()); err != nil {
				t.Fatalf("Regenerate() returned unexpected error: %v", err)
			}
		}
		sid, _ := s.ID()
		ids = append(ids, sid.String())
	}
	r := newRunner(t, mgr, handler)
	r.get("/create")
	r.get("/regen")
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Errorf("Regenerate() did not change the session id: %v", ids)
	}
}

func TestGetOnUninitializedSessionErrors(t *testing.T) {
	mgr := newManager()
	var gotErr error
	handler := func(w http.ResponseWriter, req *http.Request) {
		s := session.Get(req.Context())
		_, _, gotErr = session.Get[string](req.Context(), s, "k")
	}
	r := newRunner(t, mgr, handler)
	r.get("/")
	if gotErr != session.ErrUninitialized {
		t.Errorf("Get() on uninitialized session returned err = %v, want ErrUninitialized", gotErr)
	}
}

func TestRemoveLastFieldDeletesSession(t *testing.T) {
	mgr := newManager()
	var phase string
	handler := func(w http.ResponseWriter, req *http.Request) {
		s := session.Get(req.Context())
		switch phase {
		case "create":
			if _, err := session.Insert(req.Context(), s, "only", "v", nil); err != nil {
				t.Fatalf("Insert() returned unexpected error: %v", err)
			}
		case "remove":
			if err := s.Remove(req.Context(), "only"); err != nil {
				t.Fatalf("Remove() returned unexpected error: %v", err)
			}
		}
	}
	r := newRunner(t, mgr, handler)
	phase = "create"
	r.get("/")
	phase = "remove"
	resp := r.get("/")
	var cleared *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "id" {
			cleared = c
		}
	}
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Errorf("expected a clearing cookie after removing the only field")
	}
}
