// Package httpapi exposes the lifecycle engine over REST.
package httpapi

import (
	"expvar"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agritrace/internal/core"
	"agritrace/internal/ledger"
	"agritrace/pkg/domain"
	"agritrace/pkg/tokenid"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Options configures the HTTP surface.
type Options struct {
	// JWTSecret enables bearer-token authentication. When empty the caller is
	// read from the X-Agritrace-* headers.
	JWTSecret []byte
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Drivers is reported by /healthz, e.g. {"store": "sqlite"}.
	Drivers map[string]string
	Logger  core.Logger
}

// Server routes REST requests to the engine.
type Server struct {
	svc     *core.Service
	auth    authenticator
	schemas requestSchemas
	health  *healthReporter
	logger  core.Logger
	router  chi.Router
}

// New builds the router.
func New(svc *core.Service, opts Options) (*Server, error) {
	schemas, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		svc:     svc,
		auth:    authenticator{secret: opts.JWTSecret},
		schemas: schemas,
		health:  newHealthReporter(opts.Drivers),
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Handle("/debug/vars", expvar.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/tokenid/{id}", s.handleTokenID)
		api.Get("/participants/{address}", s.handleParticipant)
		api.Get("/estimate/{operation}/{id}", s.handleEstimate)

		api.Route("/batches", func(b chi.Router) {
			b.Get("/", s.handleListBatches)
			b.With(s.auth.requireParticipant).Post("/", s.handleCreateBatch)
			b.Get("/search", s.handleSearch)
			b.Get("/pending-certification", s.handlePending)
			b.Get("/available-purchase", s.handleAvailable)
			b.Get("/{index:^(farmer|certifier|retailer)$}/{address}", s.handleListByParticipant)
			b.Get("/{id}", s.handleGetBatch)
			b.Get("/{id}/provenance", s.handleProvenance)
			b.With(s.auth.requireParticipant).Put("/{id}/certify", s.handleCertify)
			b.With(s.auth.requireParticipant).Put("/{id}/purchase", s.handlePurchase)
		})

		api.Group(func(admin chi.Router) {
			admin.Use(s.auth.requireAdmin)
			admin.Delete("/participants/{address}", s.handleDeregister)
			admin.Post("/directory/rebuild", s.handleRebuild)
		})
	})
	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestID propagates or assigns X-Request-ID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", r.Header.Get("X-Request-ID"),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Warn("http request", args...)
			return
		}
		s.logger.Debug("http request", args...)
	})
}

func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func caller(r *http.Request) domain.Caller {
	p, _ := PrincipalFrom(r.Context())
	return p.Caller
}

func (s *Server) handleTokenID(w http.ResponseWriter, r *http.Request) {
	batchID := tokenid.Normalize(pathParam(r, "id"))
	if batchID == "" {
		writeError(w, domain.Errorf(domain.CodeInvalidInput, "batch id is required"))
		return
	}
	id := tokenid.FromBatchID(batchID)
	writeJSON(w, http.StatusOK, map[string]any{
		"batchId":        batchID,
		"tokenId":        id.Hex(),
		"tokenIdDecimal": id.Big().String(),
	})
}

func (s *Server) handleParticipant(w http.ResponseWriter, r *http.Request) {
	lists, err := s.svc.ParticipantLists(r.Context(), pathParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lists)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	op := ledger.Operation(pathParam(r, "operation"))
	cost, err := s.svc.EstimateCost(r.Context(), op, pathParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation": op, "gas": cost.String()})
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	batches, err := s.svc.ListBatches(r.Context(), core.ListQuery{
		Index: domain.IndexName(q.Get("index")),
		Value: q.Get("value"),
		Order: domain.SortOrder(q.Get("order")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (s *Server) handleListByParticipant(w http.ResponseWriter, r *http.Request) {
	batches, err := s.svc.ListBatches(r.Context(), core.ListQuery{
		Index: domain.IndexName(chi.URLParam(r, "index")),
		Value: pathParam(r, "address"),
		Order: domain.SortOrder(r.URL.Query().Get("order")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	batches, err := s.svc.SearchBatches(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	batches, err := s.svc.PendingCertification(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	batches, err := s.svc.AvailableForPurchase(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	var opts core.ReadOptions
	switch strings.ToLower(r.URL.Query().Get("reconcile")) {
	case "true", "1":
		on := true
		opts.Reconcile = &on
	case "false", "0":
		off := false
		opts.Reconcile = &off
	}
	view, err := s.svc.GetBatch(r.Context(), pathParam(r, "id"), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleProvenance(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.ProvenanceRecords(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "read body: "+err.Error())
		return
	}
	if err := validate(s.schemas.create, body); err != nil {
		writeSchemaError(w, err)
		return
	}
	var req createBatchRequest
	if err := decodeStrict(body, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, string(domain.CodeInvalidInput), err.Error())
		return
	}
	harvest, err := parseDate("harvestDate", req.HarvestDate)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, string(domain.CodeInvalidInput), err.Error())
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, string(domain.CodeInvalidInput), err.Error())
		return
	}
	batch, err := s.svc.CreateBatch(r.Context(), caller(r), core.CreateBatchInput{
		BatchID:       req.BatchID,
		CropName:      req.CropName,
		CropVariety:   req.CropVariety,
		Location:      req.Location,
		HarvestDate:   harvest,
		FarmerAddress: req.FarmerAddress,
		Price:         price,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/batches/"+url.PathEscape(batch.BatchID))
	writeJSON(w, http.StatusCreated, batch)
}

func (s *Server) handleCertify(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "read body: "+err.Error())
		return
	}
	if err := validate(s.schemas.certify, body); err != nil {
		writeSchemaError(w, err)
		return
	}
	var req certifyBatchRequest
	if err := decodeStrict(body, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, string(domain.CodeInvalidInput), err.Error())
		return
	}
	expiry, err := parseDate("expiry", req.Expiry)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, string(domain.CodeInvalidInput), err.Error())
		return
	}
	batch, err := s.svc.CertifyBatch(r.Context(), caller(r), core.CertifyInput{
		BatchID:          pathParam(r, "id"),
		CertifierAddress: req.CertifierAddress,
		CropHealth:       req.CropHealth,
		Expiry:           expiry,
		Passed:           req.Passed,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "read body: "+err.Error())
		return
	}
	if err := validate(s.schemas.purchase, body); err != nil {
		writeSchemaError(w, err)
		return
	}
	var req purchaseBatchRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := decodeStrict(body, &req); err != nil {
			writeProblem(w, http.StatusBadRequest, string(domain.CodeInvalidInput), err.Error())
			return
		}
	}
	batch, err := s.svc.PurchaseBatch(r.Context(), caller(r), core.PurchaseInput{
		BatchID:         pathParam(r, "id"),
		RetailerAddress: req.RetailerAddress,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.DeregisterParticipant(r.Context(), pathParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.RebuildDirectory(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeSchemaError(w http.ResponseWriter, err error) {
	if se, ok := err.(*schemaError); ok {
		writeProblem(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "request body failed validation", se.details...)
		return
	}
	writeProblem(w, http.StatusBadRequest, string(domain.CodeInvalidInput), err.Error())
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
