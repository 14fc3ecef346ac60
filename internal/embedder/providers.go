package embedder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/dshills/codegrep/internal/config"
)

// NewFromConfig selects a provider. The deterministic dummy embedder is used
// when CODEGREP_DUMMY_EMBEDDER is set, so round-trip invariants hold in tests
// without model downloads.
func NewFromConfig(cfg *config.Config) (Embedder, error) {
	if cfg.DummyEmbedder {
		return NewDummy(cfg.Embed.Dimension), nil
	}
	if cfg.Offline {
		return nil, ErrOffline
	}
	switch cfg.Embed.Provider {
	case "local", "ollama":
		return NewLocalHTTP(cfg.Embed), nil
	case "":
		return nil, ErrNoProviderEnabled
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embed.Provider)
	}
}

// Dummy is a content-deterministic embedder for tests and CI. Vectors depend
// only on the input text and the dimension, so identical chunks always embed
// identically.
type Dummy struct {
	dim int
}

// NewDummy creates a deterministic embedder of the given dimension.
func NewDummy(dim int) *Dummy {
	if dim <= 0 {
		dim = 768
	}
	return &Dummy{dim: dim}
}

func (d *Dummy) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if text == "" {
			return nil, ErrEmptyText
		}
		out[i] = d.vector(text)
	}
	return out, nil
}

// vector expands the text hash into a unit vector. Successive 8-byte windows
// of an extending hash chain seed each component.
func (d *Dummy) vector(text string) []float32 {
	vec := make([]float32, d.dim)
	seed := sha256.Sum256([]byte(text))
	buf := seed[:]
	var norm float64
	for i := 0; i < d.dim; i++ {
		if (i*8)%len(buf) == 0 && i > 0 {
			next := sha256.Sum256(buf)
			buf = next[:]
		}
		bits := binary.LittleEndian.Uint64(buf[(i*8)%(len(buf)-7):][:8])
		v := float32(int64(bits%2000)-1000) / 1000.0
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1.0 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

func (d *Dummy) Dimension() int   { return d.dim }
func (d *Dummy) Provider() string { return "dummy" }
func (d *Dummy) Model() string    { return "deterministic" }
func (d *Dummy) Close() error     { return nil }

// LocalHTTP talks to a local embedding server with an Ollama-compatible API.
type LocalHTTP struct {
	cfg    config.Embed
	client *http.Client
	retry  RetryConfig
}

// NewLocalHTTP creates a provider against cfg.Endpoint.
func NewLocalHTTP(cfg config.Embed) *LocalHTTP {
	return &LocalHTTP{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		retry:  DefaultRetryConfig(),
	}
}

type embedAPIRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedAPIResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (p *LocalHTTP) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if t == "" {
			return nil, ErrEmptyText
		}
	}
	return retryWithBackoff(ctx, p.retry, func() ([][]float32, error) {
		return p.embedOnce(ctx, texts)
	})
}

func (p *LocalHTTP) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedAPIRequest{Model: p.cfg.Model, Input: texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrProviderFailed, resp.StatusCode)
	}

	var parsed embedAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: bad response: %v", ErrProviderFailed, err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrProviderFailed, len(parsed.Embeddings), len(texts))
	}
	for _, v := range parsed.Embeddings {
		if len(v) != p.cfg.Dimension {
			return nil, fmt.Errorf("%w: dimension %d, expected %d", ErrProviderFailed, len(v), p.cfg.Dimension)
		}
	}
	return parsed.Embeddings, nil
}

func (p *LocalHTTP) Dimension() int   { return p.cfg.Dimension }
func (p *LocalHTTP) Provider() string { return p.cfg.Provider }
func (p *LocalHTTP) Model() string    { return p.cfg.Model }
func (p *LocalHTTP) Close() error     { return nil }
