package testutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/roach88/mfgtest/internal/registry"
	"github.com/roach88/mfgtest/internal/registry/memregistry"
)

// RegistryServer serves the registry HTTP surface from a memregistry.
//
// Tests point registry.HTTPClient (or the CLI) at URL and then assert on
// Registry's recorded calls and on the raw requests seen by the server.
type RegistryServer struct {
	*httptest.Server
	Registry *memregistry.Registry

	mu       sync.Mutex
	requests []RecordedRequest
}

// RecordedRequest is one HTTP request received by a RegistryServer.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

// NewRegistryServer starts a server backed by reg (a new registry if nil).
// The server is closed when the test completes.
func NewRegistryServer(t *testing.T, reg *memregistry.Registry) *RegistryServer {
	t.Helper()
	if reg == nil {
		reg = memregistry.New()
	}
	s := &RegistryServer{Registry: reg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /products", s.findProducts)
	mux.HandleFunc("POST /products/create", s.createProduct)
	mux.HandleFunc("GET /units/by_serial/{serial}", s.findUnitBySerial)
	mux.HandleFunc("POST /units/create", s.createUnit)
	mux.HandleFunc("POST /units/next_serial", s.nextSerial)
	mux.HandleFunc("GET /units/{id}/json", s.getUnit)
	mux.HandleFunc("POST /units/{id}/test_results/add_json", s.uploadResult)
	mux.HandleFunc("POST /serial_numbers/create", s.createSerialNumber)
	mux.HandleFunc("POST /mac_addresses/create", s.createMACAddress)

	s.Server = httptest.NewServer(s.record(mux))
	t.Cleanup(s.Close)
	return s
}

// Requests returns a copy of the received requests in order.
func (s *RegistryServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestCount returns how many requests the server received.
func (s *RegistryServer) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *RegistryServer) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		s.mu.Lock()
		s.requests = append(s.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Body:   body,
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *RegistryServer) findProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.Registry.FindProducts(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	if products == nil {
		products = []registry.Product{}
	}
	writeJSON(w, http.StatusOK, products)
}

func (s *RegistryServer) createProduct(w http.ResponseWriter, r *http.Request) {
	var req registry.NewProduct
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	product, err := s.Registry.CreateProduct(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (s *RegistryServer) findUnitBySerial(w http.ResponseWriter, r *http.Request) {
	unit, found, err := s.Registry.FindUnitBySerial(r.Context(), r.PathValue("serial"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		http.Error(w, `{"detail":"Serial number not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (s *RegistryServer) createUnit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID    int64  `json:"product_id"`
		SerialNumber string `json:"serial_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	unit, err := s.Registry.CreateUnit(r.Context(), req.ProductID, req.SerialNumber)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (s *RegistryServer) createSerialNumber(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID    int64  `json:"product_id"`
		SerialNumber string `json:"serial_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sn, err := s.Registry.CreateSerialNumber(r.Context(), req.ProductID, req.SerialNumber)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sn)
}

func (s *RegistryServer) createMACAddress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID  int64  `json:"product_id"`
		MACAddress string `json:"mac_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	addr, err := s.Registry.CreateMACAddress(r.Context(), req.ProductID, req.MACAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, addr)
}

func (s *RegistryServer) nextSerial(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(r.URL.Query().Get("product_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid product_id", http.StatusBadRequest)
		return
	}
	alloc, err := s.Registry.AllocateNextSerial(r.Context(), productID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

func (s *RegistryServer) getUnit(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid unit id", http.StatusBadRequest)
		return
	}
	unit, err := s.Registry.GetUnit(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (s *RegistryServer) uploadResult(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid unit id", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		http.Error(w, "invalid json body", http.StatusUnprocessableEntity)
		return
	}
	if _, err := s.Registry.UploadResult(r.Context(), id, body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unit_id": id, "status": "logged"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a memregistry error onto an HTTP response.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := err.Error()
	var re *registry.Error
	if errors.As(err, &re) && re.StatusCode != 0 {
		status = re.StatusCode
		body = re.Body
	}
	http.Error(w, body, status)
}
