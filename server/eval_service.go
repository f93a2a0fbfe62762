package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chazu/kestrel/vm"
	"github.com/chazu/kestrel/vm/heap"
)

// Errors the transports map onto their status codes.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
)

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// maxInspectElements bounds the element list of an inspected value.
const maxInspectElements = 256

// EvalService runs assembly source on the served VM. It is transport
// neutral; grpc.go and connect.go adapt it.
type EvalService struct {
	worker   *VMWorker
	handles  *HandleStore
	sessions *SessionStore
	timeout  time.Duration
}

// NewEvalService creates an EvalService.
func NewEvalService(worker *VMWorker, handles *HandleStore, sessions *SessionStore) *EvalService {
	return &EvalService{
		worker:   worker,
		handles:  handles,
		sessions: sessions,
	}
}

// ---------------------------------------------------------------------------
// Evaluation
// ---------------------------------------------------------------------------

// Eval loads source and reports the value of its last form. Scheme and
// system errors come back in the response; only a bad request, an unknown
// session or a cancelled context fails the call itself.
func (s *EvalService) Eval(ctx context.Context, req *EvalRequest) (*EvalResponse, error) {
	if req.Source == "" {
		return nil, invalidArgument("source is required")
	}
	var session *Session
	if req.Session != "" {
		var ok bool
		if session, ok = s.sessions.Get(req.Session); !ok {
			return nil, notFound("session %q", req.Session)
		}
	}
	name := req.Name
	if name == "" {
		name = "eval"
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var output bytes.Buffer
	result, err := s.worker.Do(ctx, func(v *vm.VM) (any, error) {
		v.SetPorts(nil, &output, &output)
		value, err := v.Load(req.Source, name)
		if err != nil {
			// The error makes the worker reset the VM.
			return &EvalResponse{Error: errorInfo(err)}, err
		}
		resp := &EvalResponse{
			Success: true,
			Result:  v.WriteString(value),
			Type:    v.TypeName(value),
		}
		sessionID := ""
		if session != nil {
			sessionID = session.ID
		}
		resp.Handle = s.handles.Create(value, sessionID)
		return resp, nil
	})
	if session != nil {
		session.countEval()
	}
	if resp, ok := result.(*EvalResponse); ok {
		resp.Output = output.String()
		if !resp.Success {
			log.Debugf("eval %s failed: %v", name, err)
		}
		return resp, nil
	}
	if err == nil {
		err = fmt.Errorf("eval %s: no result", name)
	}
	return nil, err
}

// errorInfo flattens a host-boundary error for the wire.
func errorInfo(err error) *ErrorInfo {
	var (
		se  *vm.Error
		sys *vm.SystemError
		re  *vm.ReadError
	)
	switch {
	case errors.As(err, &se):
		info := &ErrorInfo{
			Kind:      se.Kind,
			Who:       se.Who,
			Message:   se.Message,
			Irritants: se.Irritants,
		}
		for _, f := range se.Backtrace {
			info.Backtrace = append(info.Backtrace, FrameInfo{
				Name:   f.Name,
				Source: f.Source,
				Line:   f.Line,
				Column: f.Column,
			})
		}
		return info
	case errors.As(err, &sys):
		return &ErrorInfo{Kind: "system", Who: sys.Kind.String(), Message: sys.Message}
	case errors.As(err, &re):
		return &ErrorInfo{
			Kind:    "read",
			Message: re.Message,
			Backtrace: []FrameInfo{{
				Name:   re.Source,
				Source: re.Source,
				Line:   re.Line,
				Column: re.Column,
			}},
		}
	}
	return &ErrorInfo{Kind: "host", Message: err.Error()}
}

// Check reads and assembles source without running it.
func (s *EvalService) Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error) {
	if req.Source == "" {
		return nil, invalidArgument("source is required")
	}
	name := req.Name
	if name == "" {
		name = "check"
	}
	result, err := s.worker.Do(ctx, func(v *vm.VM) (any, error) {
		if _, err := v.Assemble(req.Source, name); err != nil {
			return &CheckResponse{Diagnostics: []Diagnostic{diagnostic(err)}}, nil
		}
		return &CheckResponse{Valid: true}, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*CheckResponse), nil
}

// diagnostic positions an assembly error when the reader located it.
func diagnostic(err error) Diagnostic {
	var re *vm.ReadError
	if errors.As(err, &re) {
		return Diagnostic{Line: re.Line, Column: re.Column, Message: re.Message}
	}
	return Diagnostic{Message: err.Error()}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (s *EvalService) OpenSession(_ context.Context, req *OpenSessionRequest) (*SessionInfo, error) {
	session := s.sessions.Create(req.Name)
	return &SessionInfo{ID: session.ID, Name: session.Name}, nil
}

// CloseSession ends a session and releases its handles.
func (s *EvalService) CloseSession(_ context.Context, req *CloseSessionRequest) (*SessionInfo, error) {
	if req.ID == "" {
		return nil, invalidArgument("session id is required")
	}
	session, ok := s.sessions.Get(req.ID)
	if !ok {
		return nil, notFound("session %q", req.ID)
	}
	info := &SessionInfo{
		ID:      session.ID,
		Name:    session.Name,
		Evals:   session.Evals(),
		Handles: s.handles.Len(session.ID),
	}
	s.sessions.Destroy(req.ID)
	return info, nil
}

// ---------------------------------------------------------------------------
// Handles
// ---------------------------------------------------------------------------

// Inspect renders the value behind a handle. Lists and vectors also list
// their elements.
func (s *EvalService) Inspect(ctx context.Context, req *InspectRequest) (*InspectResponse, error) {
	if req.Handle == "" {
		return nil, invalidArgument("handle is required")
	}
	result, err := s.worker.Do(ctx, func(v *vm.VM) (any, error) {
		value, ok := s.handles.Lookup(req.Handle)
		if !ok {
			return nil, notFound("handle %q", req.Handle)
		}
		resp := &InspectResponse{
			Type:    v.TypeName(value),
			Written: v.WriteString(value),
			Display: v.DisplayString(value),
		}
		var elts []vm.Value
		if vec, ok := heap.As[*heap.Vector](v.Heap(), value); ok {
			elts = vec.Elts
		} else if value.IsRef() {
			elts, _ = v.ListToSlice(value)
		}
		for i, e := range elts {
			if i == maxInspectElements {
				break
			}
			resp.Elements = append(resp.Elements, v.WriteString(e))
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*InspectResponse), nil
}

// Release drops a handle so its value can be collected.
func (s *EvalService) Release(_ context.Context, req *ReleaseRequest) (*Empty, error) {
	if req.Handle == "" {
		return nil, invalidArgument("handle is required")
	}
	if !s.handles.Release(req.Handle) {
		return nil, notFound("handle %q", req.Handle)
	}
	return &Empty{}, nil
}
