// Package control implements the local control socket described in
// SPEC_FULL.md §4.1 and §6: one JSON request per connection, framed by a
// half-close rather than a length prefix. A client writes its request,
// shuts down its write half, the server reads to EOF, writes its
// response, and shuts down its own write half before closing.
package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nwimmer/ekaci/internal/dispatcher"
	"github.com/nwimmer/ekaci/internal/drv"
	ekerrors "github.com/nwimmer/ekaci/internal/errors"
	"github.com/nwimmer/ekaci/internal/logfields"
	"github.com/nwimmer/ekaci/internal/metrics"
	"github.com/nwimmer/ekaci/internal/version"
)

// Status is the server's self-reported health, returned by an Info request.
type Status string

const (
	StatusActive   Status = "Active"
	StatusDegraded Status = "Degraded"
	StatusDead     Status = "Dead"
)

// request is the tagged union of the three request shapes in §6.
type request struct {
	Type     string `json:"type"`
	DrvPath  string `json:"drv_path,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

// response is the tagged union of the corresponding response shapes.
type response struct {
	Type     string `json:"type"`
	Status   Status `json:"status,omitempty"`
	Version  string `json:"version,omitempty"`
	Enqueued bool   `json:"enqueued,omitempty"`
}

// Submitter is the subset of *dispatcher.Dispatcher the control service
// needs: enough to enqueue a task without depending on the full type.
type Submitter interface {
	Submit(t dispatcher.Task) error
}

// StatusReporter reports the server's current self-assessed health, used
// to answer Info requests. Returning StatusDegraded/StatusDead lets an
// operator distinguish "accepting connections but unhealthy" from "down".
type StatusReporter func() Status

// Service listens on a unix socket and serves one request per connection.
type Service struct {
	SocketPath string
	Dispatcher Submitter
	Reporter   StatusReporter
	Recorder   metrics.Recorder

	listener net.Listener
}

// Listen creates the socket's parent directory if needed, removes a stale
// socket file left by a previous crashed instance, and binds the listener.
func (s *Service) Listen() error {
	if s.Recorder == nil {
		s.Recorder = metrics.NoopRecorder{}
	}
	if s.Reporter == nil {
		s.Reporter = func() Status { return StatusActive }
	}

	if dir := filepath.Dir(s.SocketPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ekerrors.Wrap(ekerrors.KindTransport, "create control socket directory", err)
		}
	}

	if err := removeStaleSocket(s.SocketPath); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return ekerrors.Wrap(ekerrors.KindTransport, "listen on control socket", err).WithContext("socket_path", s.SocketPath)
	}
	s.listener = ln
	return nil
}

// removeStaleSocket deletes a pre-existing socket file at path so a second
// bind after an unclean shutdown succeeds instead of failing with
// "address already in use".
func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ekerrors.Wrap(ekerrors.KindTransport, "stat existing control socket path", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return ekerrors.New(ekerrors.KindConfig, "control socket path exists and is not a socket").WithContext("socket_path", path)
	}
	if err := os.Remove(path); err != nil {
		return ekerrors.Wrap(ekerrors.KindTransport, "remove stale control socket", err)
	}
	return nil
}

// Serve accepts connections until ctx is cancelled, handling each on its
// own goroutine. It is the caller's responsibility to call Listen first.
func (s *Service) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("control: accept failed", logfields.Error(err))
			continue
		}
		go s.handle(ctx, conn)
	}
}

// Close removes the socket file and stops accepting connections.
func (s *Service) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	_ = os.Remove(s.SocketPath)
	return err
}

func (s *Service) handle(ctx context.Context, conn net.Conn) {
	requestID := uuid.NewString()
	start := time.Now()
	defer conn.Close()

	raw, err := io.ReadAll(conn)
	if err != nil {
		slog.Warn("control: short read before EOF, closing connection",
			logfields.RequestType("unknown"), logfields.Error(err), slog.String("request_id", requestID))
		return
	}

	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		slog.Warn("control: malformed JSON request", logfields.Error(err), slog.String("request_id", requestID))
		return
	}

	resp, err := s.dispatch(ctx, req)
	if err != nil {
		slog.Warn("control: downstream enqueue failed, closing connection",
			logfields.RequestType(req.Type), logfields.Error(err), slog.String("request_id", requestID))
		return
	}
	s.Recorder.ObserveControlRequestDuration(req.Type, time.Since(start))

	body, err := json.Marshal(resp)
	if err != nil {
		slog.Warn("control: failed to marshal response", logfields.Error(err), slog.String("request_id", requestID))
		return
	}
	if _, err := conn.Write(body); err != nil {
		slog.Warn("control: failed to write response", logfields.Error(err), slog.String("request_id", requestID))
		return
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}
}

// dispatch computes the response for req. A non-nil error means the
// downstream enqueue failed: per SPEC_FULL.md §4.1 that is a hard error
// for the connection, not a well-formed "not enqueued" response.
func (s *Service) dispatch(ctx context.Context, req request) (response, error) {
	switch req.Type {
	case "Info":
		return response{Type: "Info", Status: s.Reporter(), Version: version.Version}, nil
	case "Build":
		if err := s.Dispatcher.Submit(dispatcher.TraverseDerivation(drv.Id(req.DrvPath))); err != nil {
			return response{}, err
		}
		return response{Type: "Build", Enqueued: true}, nil
	case "Job":
		if err := s.Dispatcher.Submit(dispatcher.Job(req.FilePath)); err != nil {
			return response{}, err
		}
		return response{Type: "Job", Enqueued: true}, nil
	default:
		slog.Warn("control: unknown request type", logfields.RequestType(req.Type))
		return response{Type: req.Type, Enqueued: false}, nil
	}
}
