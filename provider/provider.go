package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	openai_provider "github.com/threatwire/clusterd/provider/openai"
)

// ErrBackendUnavailable marks recoverable embedding failures: the article is
// skipped for the current run and becomes eligible again on the next one.
var ErrBackendUnavailable = openai_provider.ErrBackendUnavailable

// Client identifies an embedding backend implementation.
type Client string

const (
	OpenAI Client = "openai"
)

// Provider is the capability "text -> fixed-length numeric vector". The model
// behind it is not part of this engine's design.
type Provider interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Options carries backend construction parameters.
type Options struct {
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// NewProvider creates an embedding backend from configuration.
func NewProvider(client Client, opts Options) (Provider, error) {
	switch client {
	case OpenAI:
		apiKey := opts.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("OPENAI_API_KEY not set")
		}
		model := opts.Model
		if model == "" {
			model = "text-embedding-3-large"
		}
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		return openai_provider.NewClient(apiKey, model, opts.Dimensions, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", client)
	}
}
