package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/skobkin/gputelemetry-web/internal/gpu"
	"github.com/skobkin/gputelemetry-web/internal/probe"
)

var (
	lshwArgs    = []string{"-class", "display", "-json"}
	glxinfoArgs = []string{"-B"}
)

// General stores the lshw display listing verbatim.
type General struct {
	Runner  probe.Runner
	Timeout time.Duration
}

func (s *General) Name() string     { return "general" }
func (s *General) Group() gpu.Group { return "" }

func (s *General) Probe(ctx context.Context) (Result, error) {
	out, err := s.Runner.Run(ctx, s.Timeout, ToolLSHW, lshwArgs...)
	if err != nil {
		return Result{}, err
	}
	listing, err := ParseListing(out)
	if err != nil {
		return Result{}, err
	}
	return Result{General: listing}, nil
}

// ParseListing validates lshw JSON and returns it unchanged. Empty output yields nil.
func ParseListing(out []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, probe.Malformed(ToolLSHW, errors.New("invalid JSON"))
	}
	return json.RawMessage(bytes.Clone(trimmed)), nil
}

// OpenGL stores the glxinfo brief report as text.
type OpenGL struct {
	Runner  probe.Runner
	Timeout time.Duration
}

func (s *OpenGL) Name() string     { return "opengl" }
func (s *OpenGL) Group() gpu.Group { return "" }

func (s *OpenGL) Probe(ctx context.Context) (Result, error) {
	out, err := s.Runner.Run(ctx, s.Timeout, ToolGLXInfo, glxinfoArgs...)
	if err != nil {
		return Result{}, err
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return Result{}, nil
	}
	return Result{OpenGL: stringPtr(string(out))}, nil
}
