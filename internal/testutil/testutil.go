// Package testutil provides deterministic stand-ins for the remote models.
package testutil

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tmc/langchaingo/llms"
)

const DefaultDims = 64

var wordRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// HashEmbedder maps each lowercased word to a bucket and returns the
// normalized bag-of-words vector. Texts sharing words get a high cosine.
type HashEmbedder struct {
	Dims int
	// Fail, when set, is consulted before every call.
	Fail  func(call int, texts []string) error
	calls atomic.Int64
}

func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{Dims: DefaultDims}
}

// Calls returns how many provider calls were made.
func (h *HashEmbedder) Calls() int {
	return int(h.calls.Load())
}

func (h *HashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	n := int(h.calls.Add(1))
	if h.Fail != nil {
		if err := h.Fail(n, texts); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = HashVector(t, h.dims())
	}
	return out, nil
}

func (h *HashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := h.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (h *HashEmbedder) dims() int {
	if h.Dims <= 0 {
		return DefaultDims
	}
	return h.Dims
}

// HashVector is the embedding HashEmbedder produces for text.
func HashVector(text string, dims int) []float32 {
	v := make([]float32, dims)
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(w))
		v[int(f.Sum32()%uint32(dims))]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

// ScriptedModel answers GenerateContent calls with Respond, or with Reply
// when Respond is nil.
type ScriptedModel struct {
	Reply   string
	Err     error
	Respond func(system, user string) (string, error)

	mu    sync.Mutex
	calls []Call
}

// Call records one request.
type Call struct {
	System  string
	User    string
	Options llms.CallOptions
}

func (m *ScriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var call Call
	for _, opt := range options {
		opt(&call.Options)
	}
	for _, msg := range messages {
		text := textOf(msg)
		switch msg.Role {
		case llms.ChatMessageTypeSystem:
			call.System += text
		default:
			call.User += text
		}
	}
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()

	reply, err := m.Reply, m.Err
	if m.Respond != nil {
		reply, err = m.Respond(call.System, call.User)
	}
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: reply}},
	}, nil
}

// Calls returns a copy of the recorded requests.
func (m *ScriptedModel) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

func textOf(msg llms.MessageContent) string {
	var sb strings.Builder
	for _, p := range msg.Parts {
		if t, ok := p.(llms.TextContent); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}
