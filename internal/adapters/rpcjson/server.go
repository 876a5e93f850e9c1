// Package rpcjson serves operator commands as JSON-RPC 2.0 over a unix socket.
// Access is controlled by the socket's file mode.
package rpcjson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/application"
	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
)

type Server struct {
	service  *application.PairService
	logger   *slog.Logger
	listener net.Listener
	path     string

	ctx    context.Context
	cancel context.CancelFunc
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func Start(path string, service *application.PairService, logger *slog.Logger) (*Server, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("rpc socket path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		_ = os.Remove(path)
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{service: service, logger: logger, listener: ln, path: path, ctx: ctx, cancel: cancel}
	go s.serve()
	logger.Info("rpc listening", "socket", path)
	return s, nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			_ = enc.Encode(response{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}, ID: nil})
			return
		}

		resp := s.dispatch(s.ctx, req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	if req.JSONRPC != "2.0" || strings.TrimSpace(req.Method) == "" {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: -32600, Message: "invalid request"}, ID: req.ID}
	}

	switch req.Method {
	case "stats":
		stats, err := s.service.Stats(ctx)
		if err != nil {
			return s.failure(req, err)
		}
		return response{JSONRPC: "2.0", Result: stats, ID: req.ID}
	case "connections.list":
		var p struct {
			State      string `json:"state"`
			IdentityID *uint  `json:"identity_id"`
			Limit      int    `json:"limit"`
		}
		if !decodeParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		list, err := s.service.ListConnections(ctx, p.State, p.IdentityID, p.Limit)
		if err != nil {
			return appError(req.ID, err)
		}
		return response{JSONRPC: "2.0", Result: list, ID: req.ID}
	case "exchanges.list":
		var p struct {
			ConnectionID *uint `json:"connection_id"`
			Limit        int   `json:"limit"`
		}
		if !decodeParams(req.Params, &p) {
			return invalidParams(req.ID)
		}
		list, err := s.service.ListExchanges(ctx, p.ConnectionID, p.Limit)
		if err != nil {
			return s.failure(req, err)
		}
		return response{JSONRPC: "2.0", Result: list, ID: req.ID}
	case "identities.get":
		var p struct {
			ExternalID int64 `json:"external_id"`
		}
		if !decodeParams(req.Params, &p) || p.ExternalID == 0 {
			return invalidParams(req.ID)
		}
		identity, err := s.service.GetIdentityByExternalID(ctx, p.ExternalID)
		if err != nil {
			return s.failure(req, err)
		}
		result := map[string]any{"identity": identity}
		if conn, err := s.service.GetActiveConnection(ctx, identity.ID, nil); err == nil {
			result["latest_connection"] = conn
		} else if !errors.Is(err, domain.ErrNotFound) {
			return s.failure(req, err)
		}
		return response{JSONRPC: "2.0", Result: result, ID: req.ID}
	case "reminders.send":
		report, err := s.service.SendReminders(ctx)
		if err != nil {
			return s.failure(req, err)
		}
		return response{JSONRPC: "2.0", Result: report, ID: req.ID}
	case "bot.simulate":
		var p struct {
			ExternalID int64  `json:"external_id"`
			FirstName  string `json:"first_name"`
			Text       string `json:"text"`
		}
		if !decodeParams(req.Params, &p) || p.ExternalID == 0 || strings.TrimSpace(p.Text) == "" {
			return invalidParams(req.ID)
		}
		replies, err := s.service.Simulate(ctx, p.ExternalID, p.FirstName, p.Text)
		if err != nil {
			return s.failure(req, err)
		}
		if replies == nil {
			replies = []domain.OutboundMessage{}
		}
		return response{JSONRPC: "2.0", Result: map[string]any{"replies": replies}, ID: req.ID}
	default:
		return response{JSONRPC: "2.0", Error: &rpcError{Code: -32601, Message: "method not found"}, ID: req.ID}
	}
}

// failure maps business errors to application errors and logs the rest.
func (s *Server) failure(req request, err error) response {
	if domain.KindOf(err) != domain.KindUnknown {
		return appError(req.ID, err)
	}
	s.logger.Error("rpc call failed", "method", req.Method, "error", err)
	return internalError(req.ID, err)
}

func decodeParams(raw json.RawMessage, out any) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return true
	}
	return json.Unmarshal(raw, out) == nil
}

func invalidParams(id any) response {
	return response{JSONRPC: "2.0", Error: &rpcError{Code: -32602, Message: "invalid params"}, ID: id}
}

func appError(id any, err error) response {
	kind := domain.KindOf(err)
	if kind == domain.KindUnknown {
		kind = ""
	}
	return response{JSONRPC: "2.0", Error: &rpcError{Code: 40000, Message: err.Error(), Kind: string(kind)}, ID: id}
}

func internalError(id any, err error) response {
	return response{JSONRPC: "2.0", Error: &rpcError{Code: 50000, Message: fmt.Sprintf("internal error: %v", err)}, ID: id}
}
