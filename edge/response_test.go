package edge

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/localrouter/gateway/types"
)

func TestWriteSuccessEnvelope(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	WriteSuccess(rec, map[string]string{"hello": "world"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Error != nil {
		t.Fatalf("resp = %+v, want success with no error", resp)
	}
}

func TestWriteErrorUsesExplicitHTTPStatus(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	err := types.NewError(types.ErrInvalidRequest, "bad input")
	err.HTTPStatus = http.StatusTeapot
	WriteError(rec, err)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418 (explicit HTTPStatus takes precedence)", rec.Code)
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != string(types.ErrInvalidRequest) {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestWriteErrorFallsBackToCodeMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrUnauthorized, http.StatusUnauthorized},
		{types.ErrForbidden, http.StatusForbidden},
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{types.ErrCancelled, 499},
		{types.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{types.ErrUpstream, http.StatusBadGateway},
		{types.ErrorCode("something_unmapped"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		WriteError(rec, types.NewError(c.code, "x"))
		if rec.Code != c.want {
			t.Errorf("code %s: status = %d, want %d", c.code, rec.Code, c.want)
		}
	}
}

func TestWriteErrorWithPlainGoErrorIsInternalError(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	WriteError(rec, errPlain("boom"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 for a non-*types.Error", rec.Code)
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != string(types.ErrInternalError) {
		t.Fatalf("resp.Error = %+v, want code %s", resp.Error, types.ErrInternalError)
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"known":"a","surprise":"b"}`))

	var v struct {
		Known string `json:"known"`
	}
	if err := DecodeJSONBody(rec, req, &v); err == nil {
		t.Fatal("expected an error decoding a body with an unknown field")
	}
}

func TestDecodeJSONBodyAcceptsKnownFields(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"known":"a"}`))

	var v struct {
		Known string `json:"known"`
	}
	if err := DecodeJSONBody(rec, req, &v); err != nil {
		t.Fatalf("DecodeJSONBody: %v", err)
	}
	if v.Known != "a" {
		t.Fatalf("v.Known = %q, want a", v.Known)
	}
}

func TestValidateContentType(t *testing.T) {
	t.Parallel()
	cases := []struct {
		ct   string
		want bool
	}{
		{"", true},
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"text/plain", false},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if c.ct != "" {
			req.Header.Set("Content-Type", c.ct)
		}
		if got := ValidateContentType(req); got != c.want {
			t.Errorf("ValidateContentType(%q) = %v, want %v", c.ct, got, c.want)
		}
	}
}

func TestResponseWriterCapturesStatus(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)
	if rw.Status != http.StatusOK {
		t.Fatalf("default Status = %d, want 200", rw.Status)
	}
	rw.WriteHeader(http.StatusAccepted)
	if rw.Status != http.StatusAccepted {
		t.Fatalf("Status after WriteHeader = %d, want 202", rw.Status)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("underlying recorder code = %d, want 202 (must still delegate)", rec.Code)
	}
}

func TestResponseWriterImplicit200OnFirstWrite(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)
	_, _ = rw.Write([]byte("hi"))
	if strings.TrimSpace(rec.Body.String()) != "hi" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}
