package diagnosis

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	DefaultModel   = "gemini-2.5-flash"
	DefaultTimeout = 45 * time.Second
)

// Generator is the part of *genai.GenerativeModel the client calls.
type Generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// ModelFactory opens a model for a single call. The returned func releases it.
type ModelFactory func(ctx context.Context, apiKey, model string, gc genai.GenerationConfig) (Generator, func() error, error)

type Config struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client sends leaf photos to Gemini and validates what comes back.
// It keeps no per-call state and is safe for concurrent use.
type Client struct {
	apiKey   string
	model    string
	timeout  time.Duration
	newModel ModelFactory
}

type Option func(*Client)

// WithModelFactory replaces the Gemini SDK with another model source.
func WithModelFactory(f ModelFactory) Option {
	return func(c *Client) { c.newModel = f }
}

func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		apiKey:   strings.TrimSpace(cfg.APIKey),
		model:    strings.TrimSpace(cfg.Model),
		timeout:  cfg.Timeout,
		newModel: geminiModel,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Model() string { return c.model }

// Analyze performs one round trip to the model. It never retries and never
// returns a partially filled result.
func (c *Client) Analyze(ctx context.Context, img EncodedImage) (AnalysisResult, error) {
	const op = "diagnosis.Analyze"

	if c.apiKey == "" {
		return AnalysisResult{}, &Error{Kind: KindConfiguration, Op: op, Err: errors.New("GEMINI_API_KEY is empty")}
	}

	data, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		return AnalysisResult{}, &Error{Kind: KindRead, Op: op, Err: fmt.Errorf("bad base64: %w", err)}
	}
	if len(data) == 0 {
		return AnalysisResult{}, &Error{Kind: KindRead, Op: op, Err: errors.New("empty image")}
	}
	mime := strings.TrimSpace(img.MIMEType)
	if mime == "" {
		mime = http.DetectContentType(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	m, release, err := c.newModel(ctx, c.apiKey, c.model, generationConfig())
	if err != nil {
		return AnalysisResult{}, transportError(ctx, op, err)
	}
	defer func() { _ = release() }()

	log.WithFields(log.Fields{
		"model": c.model,
		"mime":  mime,
		"bytes": len(data),
	}).Debug("gemini generate")

	resp, err := m.GenerateContent(ctx,
		&genai.Blob{MIMEType: mime, Data: data},
		genai.Text(instruction),
	)
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return AnalysisResult{}, &Error{Kind: KindEmptyResponse, Op: op, Err: err}
		}
		return AnalysisResult{}, transportError(ctx, op, err)
	}

	return ParseResult(firstText(resp))
}

func geminiModel(ctx context.Context, apiKey, model string, gc genai.GenerationConfig) (Generator, func() error, error) {
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, nil, err
	}
	m := cl.GenerativeModel(model)
	if m == nil {
		_ = cl.Close()
		return nil, nil, fmt.Errorf("gemini: model %q is nil", model)
	}
	m.GenerationConfig = gc
	return m, cl.Close, nil
}

func transportError(ctx context.Context, op string, err error) error {
	kind := KindNetwork
	var (
		ne net.Error
		ge *googleapi.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &ne) && ne.Timeout():
		kind = KindTimeout
	case errors.As(err, &ge) && (ge.Code == http.StatusGatewayTimeout || ge.Code == http.StatusRequestTimeout):
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}
