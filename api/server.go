package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"paketd/escrow"
	"paketd/gateway/auth"
	"paketd/gateway/middleware"
	"paketd/ledger"
	"paketd/notify"
	"paketd/registry"
)

// Server exposes the delivery coordination API. Handlers never sign
// transactions: anything that moves funds is either prepared for the caller
// to sign or submitted pre-signed by the caller.
type Server struct {
	engine        *escrow.Engine
	store         *registry.Store
	ledger        ledger.Client
	authenticator *auth.Authenticator
	queue         *notify.Queue
	obs           *middleware.Observability
	limiter       *middleware.RateLimiter
	logger        *slog.Logger
	sandbox       bool
}

type Options struct {
	Engine        *escrow.Engine
	Store         *registry.Store
	Ledger        ledger.Client
	Authenticator *auth.Authenticator
	Queue         *notify.Queue
	Observability *middleware.Observability
	RateLimiter   *middleware.RateLimiter
	Logger        *slog.Logger
	Sandbox       bool
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:        opts.Engine,
		store:         opts.Store,
		ledger:        opts.Ledger,
		authenticator: opts.Authenticator,
		queue:         opts.Queue,
		obs:           opts.Observability,
		limiter:       opts.RateLimiter,
		logger:        logger,
		sandbox:       opts.Sandbox,
	}
}

// Router builds the HTTP routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.Get("/healthz", s.handleHealthz)
	if s.obs != nil {
		r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())
	}

	r.Route("/v1", func(r chi.Router) {
		s.post(r, "/prepare_escrow", s.handlePrepareEscrow,
			"escrow_pubkey", "recipient_pubkey", "courier_pubkey",
			"payment_buls", "collateral_buls", "deadline_timestamp")
		s.post(r, "/accept_package", s.handleAcceptPackage, "escrow_pubkey")
		s.post(r, "/relay_package", s.handleRelayPackage, "escrow_pubkey", "courier_pubkey", "payment_buls")
		s.post(r, "/refund_package", s.handleRefundPackage, "escrow_pubkey")
		s.post(r, "/changed_location", s.handleChangedLocation, "escrow_pubkey", "location")
		s.post(r, "/my_packages", s.handleMyPackages)
		s.postOpen(r, "/package", s.handlePackage, "escrow_pubkey")
		s.postOpen(r, "/events", s.handleEvents, "escrow_pubkey")

		s.postOpen(r, "/submit_transaction", s.handleSubmitTransaction, "transaction")
		s.postOpen(r, "/account", s.handleAccount, "queried_pubkey")
		s.postOpen(r, "/prepare_send_buls", s.handlePrepareSendBULs, "from_pubkey", "to_pubkey", "amount_buls")
		s.postOpen(r, "/prepare_account", s.handlePrepareAccount, "from_pubkey", "new_pubkey")
		s.postOpen(r, "/prepare_trust", s.handlePrepareTrust, "from_pubkey")

		s.post(r, "/register_user", s.handleRegisterUser, "full_name", "phone_number")
		s.post(r, "/user", s.handleUser)

		if s.sandbox {
			s.postOpen(r, "/debug/fund", s.handleDebugFund, "funded_pubkey")
			s.postOpen(r, "/debug/packages", s.handleDebugPackages)
			s.postOpen(r, "/debug/events", s.handleDebugEvents)
		}
	})
	return r
}

// post registers an authenticated POST route wrapped in the observability
// middleware. The required fields are declared here, once per route, and
// missing ones fail with a FieldError before the handler runs.
func (s *Server) post(r chi.Router, pattern string, handler authedHandler, required ...string) {
	wrapped := s.authenticated(handler, required)
	if s.obs != nil {
		wrapped = s.obs.Middleware("/v1" + pattern)(wrapped).ServeHTTP
	}
	r.Post(pattern, wrapped)
}

// postOpen registers a POST route that carries no identity envelope. Field
// checking and the required-field declaration still apply.
func (s *Server) postOpen(r chi.Router, pattern string, handler openHandler, required ...string) {
	wrapped := s.open(handler, required)
	if s.obs != nil {
		wrapped = s.obs.Middleware("/v1" + pattern)(wrapped).ServeHTTP
	}
	r.Post(pattern, wrapped)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, principal *auth.Principal, fields map[string]string)

type openHandler func(w http.ResponseWriter, r *http.Request, fields map[string]string)

func (s *Server) authenticated(next authedHandler, required []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, fields, err := s.authenticator.Authenticate(r, required)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r, principal, fields)
	}
}

func (s *Server) open(next openHandler, required []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fields, err := auth.ParseFields(r, required)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r, fields)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	quarantined := s.engine.Quarantined()
	status := "ok"
	code := http.StatusOK
	if len(quarantined) > 0 {
		status = "degraded"
	}
	writeJSON(w, code, map[string]interface{}{
		"status":              status,
		"quarantined_escrows": quarantined,
	})
}

func (s *Server) handlePrepareEscrow(w http.ResponseWriter, r *http.Request, principal *auth.Principal, fields map[string]string) {
	terms := escrow.LaunchTerms{
		EscrowPubKey:    fields["escrow_pubkey"],
		RecipientPubKey: fields["recipient_pubkey"],
		CourierPubKey:   fields["courier_pubkey"],
		PaymentBULs:     auth.Int64Field(fields, "payment_buls"),
		CollateralBULs:  auth.Int64Field(fields, "collateral_buls"),
		Deadline:        auth.Int64Field(fields, "deadline_timestamp"),
		Location:        fields["location"],
	}
	pkg, prepared, err := s.engine.Launch(r.Context(), principal.Identity, terms)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"package":      packageView(pkg),
		"transactions": preparedView(prepared),
	})
}

func (s *Server) handleAcceptPackage(w http.ResponseWriter, r *http.Request, principal *auth.Principal, fields map[string]string) {
	pkg, err := s.engine.Accept(r.Context(), principal.Identity, fields["escrow_pubkey"], fields["location"], fields["payment_transaction"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"package": packageView(pkg)})
}

func (s *Server) handleRelayPackage(w http.ResponseWriter, r *http.Request, principal *auth.Principal, fields map[string]string) {
	offer, err := s.engine.Relay(r.Context(), principal.Identity, fields["escrow_pubkey"], fields["courier_pubkey"], auth.Int64Field(fields, "payment_buls"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payment_transaction": offer.Envelope,
	})
}

func (s *Server) handleRefundPackage(w http.ResponseWriter, r *http.Request, principal *auth.Principal, fields map[string]string) {
	pkg, err := s.engine.Refund(r.Context(), principal.Identity, fields["escrow_pubkey"], fields["refund_transaction"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"package": packageView(pkg)})
}

func (s *Server) handleChangedLocation(w http.ResponseWriter, r *http.Request, principal *auth.Principal, fields map[string]string) {
	location := fields["location"]
	if err := s.engine.RecordLocation(r.Context(), principal.Identity, fields["escrow_pubkey"], location); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"location": location})
}

func (s *Server) handleMyPackages(w http.ResponseWriter, r *http.Request, principal *auth.Principal, _ map[string]string) {
	packages, err := s.engine.Packages(r.Context(), principal.Identity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"packages": packagesView(packages)})
}

func (s *Server) handlePackage(w http.ResponseWriter, r *http.Request, fields map[string]string) {
	pkg, err := s.engine.Package(r.Context(), fields["escrow_pubkey"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.engine.Events(r.Context(), pkg.EscrowPubKey, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"package": packageView(pkg),
		"events":  eventsView(events),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, fields map[string]string) {
	events, err := s.engine.Events(r.Context(), fields["escrow_pubkey"], int(auth.Int64Field(fields, "limit_num")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": eventsView(events)})
}

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request, fields map[string]string) {
	receipt, err := s.ledger.SubmitTransaction(r.Context(), fields["transaction"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hash":   receipt.Hash,
		"ledger": receipt.Ledger,
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request, fields map[string]string) {
	account, err := s.ledger.GetAccount(r.Context(), fields["queried_pubkey"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pubkey":      account.PubKey,
		"bul_balance": account.BULBalance,
		"sequence":    account.Sequence,
	})
}

func (s *Server) handlePrepareSendBULs(w http.ResponseWriter, r *http.Request, fields map[string]string) {
	tx, err := s.ledger.PrepareSend(r.Context(), fields["from_pubkey"], fields["to_pubkey"], auth.Int64Field(fields, "amount_buls"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transaction": tx.Envelope})
}

func (s *Server) handlePrepareAccount(w http.ResponseWriter, r *http.Request, fields map[string]string) {
	tx, err := s.ledger.PrepareAccount(r.Context(), fields["from_pubkey"], fields["new_pubkey"], auth.Int64Field(fields, "starting_balance_buls"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transaction": tx.Envelope})
}

func (s *Server) handlePrepareTrust(w http.ResponseWriter, r *http.Request, fields map[string]string) {
	tx, err := s.ledger.PrepareTrust(r.Context(), fields["from_pubkey"], auth.Int64Field(fields, "limit_buls"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transaction": tx.Envelope})
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request, principal *auth.Principal, fields map[string]string) {
	profile := registry.Profile{
		PubKey:      principal.Identity,
		FullName:    fields["full_name"],
		PhoneNumber: fields["phone_number"],
	}
	if err := s.store.CreateProfile(r.Context(), profile); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"pubkey": principal.Identity})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request, principal *auth.Principal, fields map[string]string) {
	queried := strings.TrimSpace(fields["queried_pubkey"])
	if queried == "" {
		queried = principal.Identity
	}
	profile, err := s.store.GetProfile(r.Context(), queried)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": profile})
}

// handleDebugFund asks the ledger's test issuer to fund an account. Sandbox only.
func (s *Server) handleDebugFund(w http.ResponseWriter, r *http.Request, fields map[string]string) {
	receipt, err := s.ledger.FundFromIssuer(r.Context(), fields["funded_pubkey"], auth.Int64Field(fields, "amount_buls"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hash": receipt.Hash, "ledger": receipt.Ledger})
}

// handleDebugEvents exposes the recent notification history. Sandbox only.
func (s *Server) handleDebugEvents(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.queue == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": []notify.Event{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": s.queue.Events()})
}

// handleDebugPackages dumps every package in the registry. Sandbox only.
func (s *Server) handleDebugPackages(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	packages, err := s.engine.Packages(r.Context(), "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"packages": packagesView(packages)})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  status,
	})
}

func statusForError(err error) int {
	var fieldErr *auth.FieldError
	var ledgerErr *ledger.Error
	switch {
	case errors.As(err, &fieldErr):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrMissingCredentials), errors.Is(err, escrow.ErrPaymentRequired):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrNonceReplayed), errors.Is(err, escrow.ErrConflict), errors.Is(err, escrow.ErrCollateralUnmet):
		return http.StatusConflict
	case errors.As(err, &ledgerErr):
		return http.StatusBadGateway
	case errors.Is(err, escrow.ErrStateDiverged):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
