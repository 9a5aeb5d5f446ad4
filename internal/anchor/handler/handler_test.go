package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"attestor/internal/anchor/analytics"
	"attestor/internal/anchor/handler"
	"attestor/internal/anchor/ledger"
	"attestor/internal/anchor/models"
	"attestor/internal/anchor/service"
	"attestor/internal/anchor/store"
	anchorsync "attestor/internal/anchor/sync"
	"attestor/pkg/requestcontext"
)

// testAuth injects a fixed owner, standing in for the JWT middleware.
func testAuth(owner requestcontext.Owner) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestcontext.WithOwner(r.Context(), owner)))
		})
	}
}

type HandlerSuite struct {
	suite.Suite
	store   *store.InMemory
	adapter *ledger.MemoryAdapter
	server  *httptest.Server
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.adapter = ledger.NewMemoryAdapter(models.NetworkEthereum)

	registry := ledger.NewRegistry()
	registry.Register(models.NetworkEthereum, s.adapter)

	logger := slog.New(slog.DiscardHandler)
	svc := service.New(s.store, registry, service.ScoreConfig{}, service.WithLogger(logger))
	syncer := anchorsync.New(s.store, registry, svc, anchorsync.Config{Interval: time.Second}, anchorsync.WithLogger(logger))
	h := handler.New(svc, analytics.NewAggregator(s.store), syncer, s.store, logger)

	auth := testAuth(requestcontext.Owner{UserID: "user-1", InstitutionID: "inst-1"})
	s.server = httptest.NewServer(h.Routes(auth))
}

func (s *HandlerSuite) TearDownTest() {
	s.server.Close()
}

func (s *HandlerSuite) do(method, path string, body any) (*http.Response, map[string]any) {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, s.server.URL+path, reader)
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (s *HandlerSuite) createRecord(content string) map[string]any {
	resp, body := s.do(http.MethodPost, "/records", map[string]any{
		"content":             content,
		"recordType":          "audit_report",
		"title":               "Annual SOC2 report",
		"complianceFramework": "soc2",
		"network":             "ethereum",
		"tags":                []string{"soc2"},
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	return body
}

func (s *HandlerSuite) TestCreateRecord() {
	body := s.createRecord("annual soc2 report")

	s.Equal("submitted", body["status"])
	s.NotEmpty(body["transactionRef"])
	s.NotEmpty(body["documentHash"])
}

func (s *HandlerSuite) TestCreateRecordValidation() {
	resp, body := s.do(http.MethodPost, "/records", map[string]any{"title": "no type"})
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("validation_error", body["error"])
	s.NotEmpty(body["message"])
}

func (s *HandlerSuite) TestDuplicateIsConflict() {
	s.createRecord("same document")
	resp, body := s.do(http.MethodPost, "/records", map[string]any{
		"content":             "same document",
		"recordType":          "audit_report",
		"title":               "Annual SOC2 report",
		"complianceFramework": "soc2",
	})
	s.Equal(http.StatusConflict, resp.StatusCode)
	s.Equal("duplicate_submission", body["error"])
}

func (s *HandlerSuite) TestGetRecordDetail() {
	created := s.createRecord("detail document")
	id := created["id"].(string)

	resp, body := s.do(http.MethodGet, "/records/"+id, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(id, body["id"])
	s.NotEmpty(body["integrityHash"])
	s.Contains(body, "verificationScore")

	resp, body = s.do(http.MethodGet, "/records/not-a-uuid", nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("validation_error", body["error"])

	resp, body = s.do(http.MethodGet, "/records/00000000-0000-0000-0000-000000000001", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
	s.Equal("not_found", body["error"])
}

func (s *HandlerSuite) TestListRecords() {
	s.createRecord("list document one")
	s.createRecord("list document two")

	resp, body := s.do(http.MethodGet, "/records?status=submitted&limit=1", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.EqualValues(2, body["total"])
	s.Len(body["records"], 1)

	resp, body = s.do(http.MethodGet, "/records?status=bogus", nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("validation_error", body["error"])
}

func (s *HandlerSuite) TestVerifyFlow() {
	created := s.createRecord("verify document")
	txRef := created["transactionRef"].(string)

	s.Run("not yet confirmed", func() {
		resp, body := s.do(http.MethodPost, "/verify/"+txRef, nil)
		s.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
		s.Equal("not_yet_confirmed", body["error"])
	})

	s.Run("confirm via sync then verify", func() {
		resp, body := s.do(http.MethodPost, "/sync", nil)
		s.Require().Equal(http.StatusOK, resp.StatusCode)
		s.EqualValues(1, body["advanced"])

		resp, body = s.do(http.MethodPost, "/verify/"+txRef, nil)
		s.Require().Equal(http.StatusOK, resp.StatusCode)
		s.Equal(true, body["matched"])
		s.Equal("verified", body["validationStatus"])
		s.EqualValues(1, body["verificationCount"])
	})

	s.Run("tampered hash reports invalid", func() {
		s.adapter.TamperRef = txRef
		resp, body := s.do(http.MethodPost, "/verify/"+txRef, nil)
		s.Require().Equal(http.StatusOK, resp.StatusCode)
		s.Equal(false, body["matched"])
		s.Equal("invalid", body["validationStatus"])
	})

	s.Run("unknown transaction", func() {
		resp, body := s.do(http.MethodPost, "/verify/0xunknown", nil)
		s.Equal(http.StatusNotFound, resp.StatusCode)
		s.Equal("not_found", body["error"])
	})
}

func (s *HandlerSuite) TestUpdateAndArchive() {
	created := s.createRecord("update document")
	id := created["id"].(string)

	resp, body := s.do(http.MethodPut, "/records/"+id, map[string]any{
		"title":    "Renamed report",
		"metadata": map[string]string{"reviewer": "alice"},
	})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal("Renamed report", body["title"])

	// Archive needs a confirmed record.
	resp, _ = s.do(http.MethodPost, "/sync", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	resp, body = s.do(http.MethodPost, "/records/"+id+"/archive", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(true, body["isArchived"])

	resp, body = s.do(http.MethodPut, "/records/"+id, map[string]any{"title": "Too late"})
	s.Equal(http.StatusConflict, resp.StatusCode)
	s.Equal("invalid_state", body["error"])
}

func (s *HandlerSuite) TestSearch() {
	s.createRecord("searchable gdpr register")

	resp, body := s.do(http.MethodPost, "/search", map[string]any{"query": "soc2"})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.EqualValues(1, body["total"])

	resp, body = s.do(http.MethodPost, "/search", map[string]any{"query": ""})
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("validation_error", body["error"])
}

func (s *HandlerSuite) TestAnalytics() {
	s.createRecord("analytics document")

	resp, body := s.do(http.MethodGet, "/analytics?period=7d", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.EqualValues(1, body["total"])
	s.Equal("7d", body["period"])
}

func (s *HandlerSuite) TestExportCSV() {
	s.createRecord("export document")

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, s.server.URL+"/export?format=csv", nil)
	s.Require().NoError(err)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("text/csv", resp.Header.Get("Content-Type"))
	s.Contains(resp.Header.Get("Content-Disposition"), "anchor-records.csv")
}

func (s *HandlerSuite) TestNetworksAndHealth() {
	resp, body := s.do(http.MethodGet, "/networks", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Len(body["networks"], 1)

	resp, body = s.do(http.MethodGet, "/health", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("ok", body["status"])
	components := body["components"].(map[string]any)
	s.Equal("ok", components["store"])
	s.Contains(body, "records")
}
