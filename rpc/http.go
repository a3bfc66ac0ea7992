package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"refi/core"
	"refi/observability"
	"refi/rpc/modules"
)

const maxRequestBytes = 1 << 20 // 1 MiB

// ServerConfig carries the resolved RPC knobs. Secrets arrive already
// dereferenced from their environment variables.
type ServerConfig struct {
	AuthToken         string
	JWTSecret         []byte
	JWTIssuer         string
	JWTAudience       string
	RateLimitPerMin   int
	RateLimitBurst    int
	TrustProxyHeaders bool
	AllowedOrigins    []string
}

// Server is the JSON-RPC front door. One POST endpoint dispatches every
// method; websocket event streaming, Prometheus metrics, and the health
// probe hang off their own paths.
type Server struct {
	node    *core.Node
	auth    *authenticator
	limiter *clientLimiter
	origins []string
	logger  *slog.Logger

	migration *modules.MigrationModule
	query     *modules.QueryModule
	archive   *modules.ArchiveModule

	httpServer *http.Server
}

func NewServer(node *core.Node, cfg ServerConfig) *Server {
	return &Server{
		node: node,
		auth: &authenticator{
			token:    strings.TrimSpace(cfg.AuthToken),
			secret:   cfg.JWTSecret,
			issuer:   cfg.JWTIssuer,
			audience: cfg.JWTAudience,
		},
		limiter:   newClientLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst, cfg.TrustProxyHeaders),
		origins:   cfg.AllowedOrigins,
		logger:    slog.Default(),
		migration: modules.NewMigrationModule(node),
		query:     modules.NewQueryModule(node),
		archive:   modules.NewArchiveModule(nil, ""),
	}
}

// SetLogger replaces the default slog logger.
func (s *Server) SetLogger(logger *slog.Logger) {
	if s == nil || logger == nil {
		return
	}
	s.logger = logger
}

// SetArchive wires the receipt archive into the history methods. exportDir
// is where server-side exports land; empty disables migration_exportReceipts.
func (s *Server) SetArchive(store modules.ReceiptReader, exportDir string) {
	if s == nil {
		return
	}
	s.archive = modules.NewArchiveModule(store, exportDir)
}

// Handler assembles the full HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", otelhttp.NewHandler(http.HandlerFunc(s.handle), "refi.rpc"))
	mux.Handle("/ws", http.HandlerFunc(s.handleEventsWS))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", otelhttp.NewHandler(http.HandlerFunc(s.handleHealth), "refi.health"))
	return mux
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("rpc server listening", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin != "" {
		for _, allowed := range s.origins {
			if allowed == "*" || strings.EqualFold(allowed, origin) {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
				break
			}
		}
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	return true
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}

	started := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	w = recorder

	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	if !s.limiter.allow(r) {
		observability.ModuleMetrics().RecordThrottle("rpc", "rate_limit")
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	defer func() {
		observability.ModuleMetrics().Observe("rpc", req.Method, recorder.status, time.Since(started))
	}()

	// Guarded methods share one bearer check.
	switch req.Method {
	case "migration_execute", "migration_preview", "migration_sweep", "migration_exportReceipts":
		if authErr := s.auth.authorize(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
	}

	switch req.Method {
	case "migration_execute":
		s.handleMigrationExecute(w, req)
	case "migration_preview":
		s.handleMigrationPreview(w, req)
	case "migration_sweep":
		s.handleMigrationSweep(w, req)
	case "migration_exportReceipts":
		s.handleMigrationExportReceipts(w, r, req)
	case "migration_info":
		s.handleMigrationInfo(w, req)
	case "migration_getReceipt":
		s.handleMigrationGetReceipt(w, r, req)
	case "migration_listReceipts":
		s.handleMigrationListReceipts(w, r, req)
	case "state_getBalance":
		s.handleGetBalance(w, req)
	case "state_listTokens":
		s.handleListTokens(w, req)
	case "market_list":
		s.handleMarketList(w, req)
	case "market_get":
		s.handleMarketGet(w, req)
	case "market_getDebt":
		s.handleMarketGetDebt(w, req)
	case "venue_list":
		s.handleVenueList(w, req)
	case "venue_get":
		s.handleVenueGet(w, req)
	case "venue_getReserves":
		s.handleVenueGetReserves(w, req)
	case "target_getProtocol":
		s.handleTargetGetProtocol(w, req)
	case "target_getPosition":
		s.handleTargetGetPosition(w, req)
	case "target_getLiquidity":
		s.handleTargetGetLiquidity(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func decodeSingleParam(req *RPCRequest, out interface{}) *RPCError {
	if len(req.Params) != 1 {
		return &RPCError{Code: codeInvalidParams, Message: "expected exactly one parameter object"}
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return &RPCError{Code: codeInvalidParams, Message: "invalid parameter object", Data: err.Error()}
	}
	return nil
}

func (s *Server) handleMigrationExecute(w http.ResponseWriter, req *RPCRequest) {
	var param modules.PlanParam
	if rpcErr := decodeSingleParam(req, &param); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	result, modErr := s.migration.Execute(param)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleMigrationPreview(w http.ResponseWriter, req *RPCRequest) {
	var param modules.PlanParam
	if rpcErr := decodeSingleParam(req, &param); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	result, modErr := s.migration.Preview(param)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleMigrationSweep(w http.ResponseWriter, req *RPCRequest) {
	var param struct {
		Token string `json:"token"`
	}
	if rpcErr := decodeSingleParam(req, &param); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	result, modErr := s.migration.Sweep(param.Token)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleMigrationInfo(w http.ResponseWriter, req *RPCRequest) {
	result, modErr := s.migration.Info()
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleMigrationGetReceipt(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var param struct {
		MigrationID string `json:"migrationId"`
	}
	if rpcErr := decodeSingleParam(req, &param); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	result, modErr := s.archive.Receipt(r.Context(), param.MigrationID)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleMigrationListReceipts(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var param struct {
		Limit int `json:"limit"`
	}
	if len(req.Params) > 0 {
		if rpcErr := decodeSingleParam(req, &param); rpcErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
			return
		}
	}
	result, modErr := s.archive.Receipts(r.Context(), param.Limit)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleMigrationExportReceipts(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	result, modErr := s.archive.Export(r.Context())
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, req *RPCRequest) {
	var param struct {
		Address string `json:"address"`
		Token   string `json:"token"`
	}
	if rpcErr := decodeSingleParam(req, &param); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	result, modErr := s.query.Balance(param.Address, param.Token)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleListTokens(w http.ResponseWriter, req *RPCRequest) {
	result, modErr := s.query.Tokens()
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleMarketList(w http.ResponseWriter, req *RPCRequest) {
	result, modErr := s.query.Markets()
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleMarketGet(w http.ResponseWriter, req *RPCRequest) {
	var param struct {
		ID string `json:"id"`
	}
	if rpcErr := decodeSingleParam(req, &param); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	result, modErr := s.query.Market(param.ID)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleMarketGetDebt(w http.ResponseWriter, req *RPCRequest) {
	var param struct {
		ID      string `json:"id"`
		Address string `json:"address"`
	}
	if rpcErr := decodeSingleParam(req, &param); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	result, modErr := s.query.MarketDebt(param.ID, param.Address)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVenueList(w http.ResponseWriter, req *RPCRequest) {
	result, modErr := s.query.Pools()
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVenueGet(w http.ResponseWriter, req *RPCRequest) {
	var param struct {
		ID string `json:"id"`
	}
	if rpcErr := decodeSingleParam(req, &param); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	result, modErr := s.query.Pool(param.ID)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVenueGetReserves(w http.ResponseWriter, req *RPCRequest) {
	var param struct {
		ID string `json:"id"`
	}
	if rpcErr := decodeSingleParam(req, &param); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	result, modErr := s.query.PoolReserves(param.ID)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleTargetGetProtocol(w http.ResponseWriter, req *RPCRequest) {
	result, modErr := s.query.Protocol()
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleTargetGetPosition(w http.ResponseWriter, req *RPCRequest) {
	var param struct {
		Address string `json:"address"`
	}
	if rpcErr := decodeSingleParam(req, &param); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	result, modErr := s.query.Position(param.Address)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleTargetGetLiquidity(w http.ResponseWriter, req *RPCRequest) {
	result, modErr := s.query.TargetLiquidity()
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}
