package mapping

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/kamdental/extref/internal/domain/registry"
	"github.com/kamdental/extref/internal/platform/auth"
	"github.com/kamdental/extref/internal/platform/validate"
)

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	f := newFixture(t)
	e := echo.New()
	e.Validator = validate.New()
	return NewHandler(f.svc), f, e
}

func statusOf(t *testing.T, err error) (int, interface{}) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	return httpErr.Code, httpErr.Message
}

func TestHandler_BindAndResolve(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.assign(t, registry.EntityClinic, "KAMDENTAL_HUMBLE", "A")

	body := `{"system_name":"dentist_sync","external_id":"HUMBLE_CLINIC","entity_type":"clinic","stable_code":"KAMDENTAL_HUMBLE"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mappings", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.Bind(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/resolve/ref?system=dentist_sync&external_id=HUMBLE_CLINIC&entity_type=clinic", nil)
	rec = httptest.NewRecorder()
	if err := h.ResolveByExternalRef(e.NewContext(req, rec)); err != nil {
		t.Fatalf("ResolveByExternalRef() error: %v", err)
	}
	var res Resolution
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Status != "resolved" || res.InternalID != "A" || res.StableCode != "KAMDENTAL_HUMBLE" {
		t.Errorf("unexpected resolution %s", rec.Body.String())
	}
}

func TestHandler_Bind_DecommissionedCode(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.assign(t, registry.EntityClinic, "KAMDENTAL_OLD", "X")
	_ = f.codes.Decommission(context.Background(), registry.EntityClinic, "KAMDENTAL_OLD")

	body := `{"system_name":"dentist_sync","external_id":"OLD","entity_type":"clinic","stable_code":"KAMDENTAL_OLD"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mappings", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	code, _ := statusOf(t, h.Bind(e.NewContext(req, httptest.NewRecorder())))
	if code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", code)
	}
}

func TestHandler_Bind_ValidationError(t *testing.T) {
	h, _, e := newTestHandler(t)

	body := `{"system_name":"dentist_sync","external_id":"X","entity_type":"room","stable_code":"ROOM_1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mappings", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	code, _ := statusOf(t, h.Bind(e.NewContext(req, httptest.NewRecorder())))
	if code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Bind_ForeignSystemScope(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.assign(t, registry.EntityClinic, "KAMDENTAL_HUMBLE", "A")

	body := `{"system_name":"billing_sync","external_id":"HUMBLE","entity_type":"clinic","stable_code":"KAMDENTAL_HUMBLE"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mappings", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(context.WithValue(req.Context(), auth.SystemKey, "dentist_sync"))

	code, _ := statusOf(t, h.Bind(e.NewContext(req, httptest.NewRecorder())))
	if code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", code)
	}
}

func TestHandler_ResolveByExternalRef_Statuses(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.assign(t, registry.EntityClinic, "KAMDENTAL_HUMBLE", "A")
	m, err := f.svc.Bind(context.Background(), BindRequest{Key: humbleKey, StableCode: "KAMDENTAL_HUMBLE"})
	if err != nil {
		t.Fatal(err)
	}

	missing := httptest.NewRequest(http.MethodGet, "/api/v1/resolve/ref?system=dentist_sync&external_id=NOPE&entity_type=clinic", nil)
	code, msg := statusOf(t, h.ResolveByExternalRef(e.NewContext(missing, httptest.NewRecorder())))
	if code != http.StatusNotFound || msg.(map[string]string)["status"] != "not_found" {
		t.Errorf("expected 404 not_found, got %d %v", code, msg)
	}

	_ = f.repo.MarkUnresolved(context.Background(), m.ID, m.StableCode, "stable code not found")
	flagged := httptest.NewRequest(http.MethodGet, "/api/v1/resolve/ref?system=dentist_sync&external_id=HUMBLE_CLINIC&entity_type=clinic", nil)
	code, msg = statusOf(t, h.ResolveByExternalRef(e.NewContext(flagged, httptest.NewRecorder())))
	if code != http.StatusNotFound || msg.(map[string]string)["status"] != "unresolved" {
		t.Errorf("expected 404 unresolved, got %d %v", code, msg)
	}

	badType := httptest.NewRequest(http.MethodGet, "/api/v1/resolve/ref?system=dentist_sync&external_id=X&entity_type=patient", nil)
	code, _ = statusOf(t, h.ResolveByExternalRef(e.NewContext(badType, httptest.NewRecorder())))
	if code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown entity type, got %d", code)
	}
}

func TestHandler_ResolveByCode(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.assign(t, registry.EntityProvider, "PROV_CHINYERE_ENIH", "p-7")

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("type", "code")
	c.SetParamValues("provider", "PROV_CHINYERE_ENIH")
	if err := h.ResolveByCode(c); err != nil {
		t.Fatalf("ResolveByCode() error: %v", err)
	}
	var res Resolution
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.InternalID != "p-7" {
		t.Errorf("expected p-7, got %s", res.InternalID)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("type", "code")
	c.SetParamValues("provider", "PROV_NOBODY")
	code, _ := statusOf(t, h.ResolveByCode(c))
	if code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_DecommissionAndList(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.assign(t, registry.EntityClinic, "KAMDENTAL_HUMBLE", "A")
	if _, err := f.svc.Bind(context.Background(), BindRequest{Key: humbleKey, StableCode: "KAMDENTAL_HUMBLE"}); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	if err := h.List(e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/mappings?system=dentist_sync", nil), rec)); err != nil {
		t.Fatalf("List() error: %v", err)
	}
	var page struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 {
		t.Errorf("expected 1 mapping, got %d", page.Total)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/mappings?system=dentist_sync&external_id=HUMBLE_CLINIC&entity_type=clinic", nil)
	if err := h.Decommission(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Decommission() error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler(t)
	h.RegisterRoutes(e.Group("/api/v1"))

	routePaths := make(map[string]bool)
	for _, r := range e.Routes() {
		routePaths[r.Method+":"+r.Path] = true
	}
	for _, path := range []string{
		"GET:/api/v1/resolve/code/:type/:code",
		"GET:/api/v1/resolve/ref",
		"POST:/api/v1/mappings",
		"DELETE:/api/v1/mappings",
		"GET:/api/v1/mappings",
	} {
		if !routePaths[path] {
			t.Errorf("missing expected route: %s", path)
		}
	}
}
