package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/pathflip/internal/topology"
)

// APIPrefix is the base path of the control API
const APIPrefix = "/wm/fast-failover-demo"

// Response keys and values of the control API
const (
	KeyStatus  = "STATUS"
	KeyDetails = "DETAILS"

	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// Service serves the control API over HTTP
type Service struct {
	engine *Engine
	topo   topology.Topology
}

// NewService creates the control API for engine
func NewService(engine *Engine, topo topology.Topology) *Service {
	return &Service{engine: engine, topo: topo}
}

// Handler returns the router. Toggle and reset accept POST or PUT and
// ignore the request body
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route(APIPrefix, func(r chi.Router) {
		r.Post("/toggle-path", s.handleToggle)
		r.Put("/toggle-path", s.handleToggle)
		r.Post("/reset", s.handleReset)
		r.Put("/reset", s.handleReset)
		r.Get("/status", s.handleStatus)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("requestID", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("API request")
	})
}

func (s *Service) handleToggle(w http.ResponseWriter, r *http.Request) {
	drain(r)

	// A toggle runs to completion even if the client hangs up
	res, err := s.engine.Toggle(context.WithoutCancel(r.Context()))

	msg := map[string]string{}
	if err != nil {
		msg[KeyStatus] = StatusError
		msg[KeyDetails] = s.toggleErrorDetails(err)
	} else {
		msg[KeyStatus] = StatusSuccess
		msg[KeyDetails] = s.toggleDetails(res)
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Service) toggleErrorDetails(err error) string {
	var nre *NotReadyError
	switch {
	case errors.As(err, &nre):
		parts := make([]string, 0, len(nre.Nodes))
		for _, n := range nre.Nodes {
			parts = append(parts, fmt.Sprintf("%s=%t", n.DPID, n.Connected))
		}
		return "Not all switches are connected. Switch status: {" + strings.Join(parts, ", ") + "}"
	case errors.Is(err, ErrTopologyIncomplete):
		return "Have not learned all links in topology. Try again after a few moments. " +
			"Make sure all ports are set up to enable LLDP to discover missing links."
	default:
		return "Could not toggle path: " + err.Error()
	}
}

func (s *Service) toggleDetails(res ToggleResult) string {
	var b strings.Builder
	if res.Provisioned {
		b.WriteString("Inserted groups and flows. ")
	}
	live, blocked := res.Live, res.Live.Other()
	fmt.Fprintf(&b, "Administratively set ports along path %s up and path %s down. ", live, blocked)
	fmt.Fprintf(&b, "You should observe path %s being chosen by the FAST-FAILOVER groups, "+
		"which can be verified by observing packets on %s on path %s", live, s.topo.Name(s.topo.Middle(live)), live)
	return b.String()
}

// resetLabel names edge nodes in reset responses
func (s *Service) resetLabel(node topology.DPID) string {
	if node == s.topo.Ingress {
		return "s1"
	}
	return "s3"
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	drain(r)

	msg := map[string]string{}
	for _, res := range s.engine.Reset() {
		label := s.resetLabel(res.Node)
		statusKey := strings.ToUpper(label) + " " + KeyStatus
		detailsKey := strings.ToUpper(label) + " " + KeyDetails
		switch {
		case res.Err == nil:
			msg[statusKey] = StatusSuccess
			msg[detailsKey] = fmt.Sprintf("Reset %s ports to enabled/up.", label)
		case errors.Is(res.Err, ErrDeviceAbsent):
			msg[statusKey] = StatusError
			msg[detailsKey] = fmt.Sprintf("Could not reset %s. Switch service does not see it connected. "+
				"Check the control plane to verify %s is in fact connected to the controller.", label, label)
		default:
			msg[statusKey] = StatusError
			msg[detailsKey] = fmt.Sprintf("Could not reset %s: %v", label, res.Err)
		}
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// drain consumes the body, which is accepted but not interpreted
func drain(r *http.Request) {
	if r.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 1<<20))
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}
