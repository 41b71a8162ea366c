package domain

import "context"

// Turn is one conversational turn sent to an oracle.
type Turn struct {
	Role    string // user | assistant
	Name    string // optional speaker label
	Content string
}

// ResponseFormat hints the oracle to answer with JSON matching Schema.
type ResponseFormat struct {
	Name   string
	Schema any
}

// OracleRequest is the input to a single generation call.
type OracleRequest struct {
	SystemPrompt string
	Turns        []Turn
	Format       *ResponseFormat
	MaxTokens    int
	Temperature  *float64
}

// Oracle is an opaque text-generation model.
type Oracle interface {
	Name() string
	Generate(ctx context.Context, req OracleRequest) (string, error)
}

// ImageDescriber turns an image URL into a short text description.
type ImageDescriber interface {
	DescribeImage(ctx context.Context, imageURL string) (string, error)
}
