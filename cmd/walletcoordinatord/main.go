package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/brewgator/msig-coordinator/internal/config"
	"github.com/brewgator/msig-coordinator/internal/service"
	"github.com/brewgator/msig-coordinator/internal/store"
	"github.com/brewgator/msig-coordinator/internal/walletcore"
)

// Server is the thin HTTP front of internal/service.Engine. It holds no
// business logic of its own: every handler parses a request body,
// delegates to the engine, and marshals the result.
type Server struct {
	engine *service.Engine
	router *mux.Router
}

// APIResponse is the envelope every response is wrapped in.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to the YAML config file")
		dbPath     = flag.String("db", "", "Path to SQLite database (overrides config)")
		port       = flag.Int("port", 0, "Port to serve on (overrides config)")
		host       = flag.String("host", "", "Host to bind to (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(errors.Unwrap(err)) {
			log.Fatalf("Failed to load config: %v", err)
		}
		log.Printf("no config at %s, falling back to defaults", *configPath)
		cfg = config.Default()
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *host != "" {
		cfg.BindAddr = *host
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	engine := service.NewEngine(st, cfg.BackendURL)
	defer engine.Close()

	server := &Server{
		engine: engine,
		router: mux.NewRouter(),
	}
	server.setupRoutes()

	c := cors.New(cors.Options{
		// TODO: Replace with your actual frontend domain(s) in production.
		AllowedOrigins: []string{"https://your-frontend-domain.com"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	handler := c.Handler(server.router)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)
	log.Printf("wallet coordinator starting on http://%s (electrum backend %s)", addr, cfg.BackendURL)
	log.Fatal(http.ListenAndServe(addr, handler))
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/cosigners", s.handleRegisterCosigner).Methods("POST")
	api.HandleFunc("/cosigners/find", s.handleFindCosigner).Methods("POST")
	api.HandleFunc("/cosigners/{uuid}", s.handleGetCosigner).Methods("GET")
	api.HandleFunc("/cosigners/{uuid}", s.handleForgetCosigner).Methods("DELETE")

	api.HandleFunc("/wallets", s.handleCreateWallet).Methods("POST")
	api.HandleFunc("/wallets/find", s.handleFindWallet).Methods("POST")
	api.HandleFunc("/wallets/{uuid}", s.handleGetWallet).Methods("GET")
	api.HandleFunc("/wallets/{uuid}", s.handleForgetWallet).Methods("DELETE")
	api.HandleFunc("/wallets/{uuid}/receive-address", s.handleNewReceiveAddress).Methods("POST")

	api.HandleFunc("/psbts", s.handleCreatePsbt).Methods("POST")
	api.HandleFunc("/psbts/register", s.handleRegisterPsbt).Methods("POST")
	api.HandleFunc("/psbts/find", s.handleFindPsbt).Methods("POST")
	api.HandleFunc("/psbts/{uuid}", s.handleGetPsbt).Methods("GET")
	api.HandleFunc("/psbts/{uuid}", s.handleForgetPsbt).Methods("DELETE")
	api.HandleFunc("/psbts/{uuid}/sign", s.handleSignPsbt).Methods("POST")
	api.HandleFunc("/psbts/{uuid}/combine", s.handleCombinePsbt).Methods("POST")

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
}

func (s *Server) handleRegisterCosigner(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterCosignerRequest
	if !s.decode(w, r, &req) {
		return
	}
	view, err := s.engine.RegisterCosigner(req)
	s.respond(w, view, err)
}

func (s *Server) handleGetCosigner(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.GetCosigner(mux.Vars(r)["uuid"])
	s.respond(w, view, err)
}

func (s *Server) handleForgetCosigner(w http.ResponseWriter, r *http.Request) {
	err := s.engine.ForgetCosigner(mux.Vars(r)["uuid"])
	s.respond(w, nil, err)
}

func (s *Server) handleFindCosigner(w http.ResponseWriter, r *http.Request) {
	var req service.FindCosignerRequest
	if !s.decode(w, r, &req) {
		return
	}
	views, err := s.engine.FindCosigner(req)
	s.respond(w, views, err)
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req service.CreateWalletRequest
	if !s.decode(w, r, &req) {
		return
	}
	view, err := s.engine.CreateWallet(r.Context(), req)
	if err == nil {
		log.Printf("created wallet %s (%d-of-%d, %s)", view.UUID, view.RequiredSignatures, len(view.CosignerUUIDs)+1, view.Network)
	}
	s.respond(w, view, err)
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.GetWallet(r.Context(), mux.Vars(r)["uuid"])
	s.respond(w, view, err)
}

func (s *Server) handleForgetWallet(w http.ResponseWriter, r *http.Request) {
	err := s.engine.ForgetWallet(mux.Vars(r)["uuid"])
	s.respond(w, nil, err)
}

func (s *Server) handleFindWallet(w http.ResponseWriter, r *http.Request) {
	var req service.FindWalletRequest
	if !s.decode(w, r, &req) {
		return
	}
	views, err := s.engine.FindWallet(req)
	s.respond(w, views, err)
}

func (s *Server) handleNewReceiveAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := s.engine.GetNewReceiveAddress(r.Context(), mux.Vars(r)["uuid"])
	s.respond(w, map[string]string{"address": addr}, err)
}

func (s *Server) handleCreatePsbt(w http.ResponseWriter, r *http.Request) {
	var req service.CreatePsbtRequest
	if !s.decode(w, r, &req) {
		return
	}
	view, err := s.engine.CreatePsbt(r.Context(), req)
	s.respond(w, view, err)
}

func (s *Server) handleRegisterPsbt(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterPsbtRequest
	if !s.decode(w, r, &req) {
		return
	}
	view, err := s.engine.RegisterPsbt(req)
	s.respond(w, view, err)
}

func (s *Server) handleGetPsbt(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.GetPsbt(mux.Vars(r)["uuid"])
	s.respond(w, view, err)
}

func (s *Server) handleForgetPsbt(w http.ResponseWriter, r *http.Request) {
	err := s.engine.ForgetPsbt(mux.Vars(r)["uuid"])
	s.respond(w, nil, err)
}

func (s *Server) handleFindPsbt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletUUID string `json:"wallet_uuid"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	views, err := s.engine.FindPsbt(req.WalletUUID)
	s.respond(w, views, err)
}

func (s *Server) handleSignPsbt(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.SignPsbt(r.Context(), mux.Vars(r)["uuid"])
	s.respond(w, view, err)
}

func (s *Server) handleCombinePsbt(w http.ResponseWriter, r *http.Request) {
	var req service.CombinePsbtRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.PsbtUUID = mux.Vars(r)["uuid"]
	view, err := s.engine.CombineWithOtherPsbt(req)
	s.respond(w, view, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: map[string]string{"status": "healthy"}})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// respond translates a walletcore.Error's taxonomy into an HTTP status
// code, the single place the transport layer is allowed to know that
// mapping exists.
func (s *Server) respond(w http.ResponseWriter, data interface{}, err error) {
	if err == nil {
		s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
		return
	}

	status := http.StatusInternalServerError
	var werr *walletcore.Error
	if errors.As(err, &werr) {
		switch werr.Code {
		case walletcore.CodeInvalidArgument:
			status = http.StatusBadRequest
		case walletcore.CodeNotFound:
			status = http.StatusNotFound
		case walletcore.CodeAlreadyBound, walletcore.CodeIncompatible:
			status = http.StatusConflict
		case walletcore.CodeNotSaved, walletcore.CodeInternal:
			status = http.StatusInternalServerError
		}
	}
	if status == http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, APIResponse{Success: false, Error: message})
}
