package core

// HTTP surface of the gateway at /api/v0alpha2. Authenticated routes carry
// a bearer UCAN invocation plus auxiliary ucan headers enumerating the
// proof chain; the addressed counterpart is taken from the invocation's
// sphere-scoped capability.

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	gatewayPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noosphere_gateway_pushes_total",
		Help: "Push requests handled, by outcome.",
	}, []string{"outcome"})
	gatewayFetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "noosphere_gateway_fetches_total",
		Help: "Fetch requests served.",
	})
)

// GatewayServer mounts a Gateway behind gorilla/mux.
type GatewayServer struct {
	gateway *Gateway
	router  *mux.Router
	logger  *log.Logger
}

// NewGatewayServer builds the route table.
func NewGatewayServer(gateway *Gateway, logger *log.Logger) *GatewayServer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &GatewayServer{gateway: gateway, router: mux.NewRouter(), logger: logger}

	api := s.router.PathPrefix(APIBasePath).Subrouter()
	api.Use(s.requestLogging)
	api.HandleFunc(RouteDid, s.handleDid).Methods(http.MethodGet)
	api.HandleFunc(RouteIdentify, s.withAuthority(SphereActionFetch, s.handleIdentify)).Methods(http.MethodGet)
	api.HandleFunc(RouteFetch, s.withAuthority(SphereActionFetch, s.handleFetch)).Methods(http.MethodGet)
	api.HandleFunc(RoutePush, s.withAuthority(SphereActionPush, s.handlePush)).Methods(http.MethodPut)
	api.HandleFunc(RouteReplicate+"/{cid}", s.withAuthority(SphereActionFetch, s.handleReplicate)).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler())

	return s
}

// Router exposes the handler tree for serving and for tests.
func (s *GatewayServer) Router() http.Handler { return s.router }

// ListenAndServe serves the gateway on addr until the listener fails.
func (s *GatewayServer) ListenAndServe(addr string) error {
	s.logger.Infof("gateway %s listening on %s", s.gateway.Identity(), addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *GatewayServer) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		requestID := uuid.NewString()
		next.ServeHTTP(w, r)
		s.logger.WithFields(log.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"elapsed":    time.Since(started).String(),
		}).Debug("handled request")
	})
}

func (s *GatewayServer) writeError(w http.ResponseWriter, err error) {
	status := StatusForError(err)
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("gateway request failed")
	}
	encoded, encodeErr := EncodeCanonical(ErrorBody{Error: err.Error()})
	if encodeErr != nil {
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(status)
	_, _ = w.Write(encoded)
}

//---------------------------------------------------------------------
// Authority
//---------------------------------------------------------------------

type scopedHandler func(w http.ResponseWriter, r *http.Request, scope *GatewayScope)

// withAuthority authenticates the request's UCAN chain and resolves the
// scope it addresses before invoking the handler.
func (s *GatewayServer) withAuthority(action SphereAction, handler scopedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		invocation, err := ExtractUcanHeaders(ctx, s.gateway.Tokens(), r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if invocation.Audience != s.gateway.Identity() {
			s.writeError(w, fmt.Errorf("%w: invocation addressed to %s",
				ErrAuthorization, invocation.Audience))
			return
		}

		var counterpart Did
		for _, capability := range invocation.Capabilities {
			if identity, ok := capability.SphereIdentity(); ok {
				counterpart = identity
				break
			}
		}
		scope, ok := s.gateway.Scope(counterpart)
		if !ok {
			s.writeError(w, fmt.Errorf("%w: this gateway does not serve %q",
				ErrAuthorization, counterpart))
			return
		}

		revocations, err := s.gateway.CounterpartRevocations(ctx, scope)
		if err != nil {
			s.writeError(w, err)
			return
		}
		chain, err := BuildProofChain(ctx, s.gateway.Tokens(), invocation, revocations)
		if err != nil {
			s.writeError(w, err)
			return
		}
		required := SphereCapability(counterpart, action)
		if err := chain.VerifyCapability(required, counterpart); err != nil {
			s.writeError(w, err)
			return
		}
		handler(w, r, scope)
	}
}

//---------------------------------------------------------------------
// Handlers
//---------------------------------------------------------------------

func (s *GatewayServer) handleDid(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, string(s.gateway.Identity()))
}

func (s *GatewayServer) handleIdentify(w http.ResponseWriter, r *http.Request, scope *GatewayScope) {
	response, err := s.gateway.HandleIdentify(r.Context(), scope)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func parseSinceParam(r *http.Request) (cid.Cid, error) {
	value := r.URL.Query().Get("since")
	if value == "" {
		return cid.Undef, nil
	}
	since, err := cid.Parse(value)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: since %q: %v", ErrDecode, value, err)
	}
	return since, nil
}

func (s *GatewayServer) handleFetch(w http.ResponseWriter, r *http.Request, scope *GatewayScope) {
	since, err := parseSinceParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	gatewayFetches.Inc()
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := s.gateway.HandleFetch(r.Context(), scope, since, w); err != nil {
		// Headers are already on the wire; the broken stream tells the
		// client everything a status code could.
		s.logger.WithError(err).Warn("fetch stream failed")
	}
}

func (s *GatewayServer) handleReplicate(w http.ResponseWriter, r *http.Request, _ *GatewayScope) {
	root, err := cid.Parse(mux.Vars(r)["cid"])
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: replicate root: %v", ErrDecode, err))
		return
	}
	since, err := parseSinceParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := s.gateway.HandleReplicate(r.Context(), root, since, w); err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.WithError(err).Debug("replicate root unavailable")
		} else {
			s.logger.WithError(err).Warn("replicate stream failed")
		}
	}
}

func (s *GatewayServer) handlePush(w http.ResponseWriter, r *http.Request, scope *GatewayScope) {
	reader := bufio.NewReader(r.Body)
	body, err := ReadPushBody(reader)
	if err != nil {
		gatewayPushes.WithLabelValues("rejected").Inc()
		s.writeError(w, err)
		return
	}
	response, err := s.gateway.HandlePush(r.Context(), scope, body, reader)
	if err != nil {
		gatewayPushes.WithLabelValues("rejected").Inc()
		s.writeError(w, err)
		return
	}
	gatewayPushes.WithLabelValues("accepted").Inc()
	encoded, err := EncodeCanonical(response)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(encoded)
}
