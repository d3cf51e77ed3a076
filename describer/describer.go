package describer

import (
	"context"
	"errors"

	"github.com/chriskillpack/visionbatch/internal/imagefs"
)

// DefaultPrompt is used when the caller does not supply one.
const DefaultPrompt = "Describe what is in this image."

// Describer describes an image using a specific vision LLM.
type Describer interface {
	// Name returns the name of the backend, e.g. "openai" or "llama"
	Name() string

	// Model returns the model identifier requests are addressed to.
	Model() string

	// DescribeImage sends prompt together with img in a single user message
	// and returns the model's reply. The provided ctx is used as a parent
	// context for the request to the LLM server.
	DescribeImage(ctx context.Context, prompt string, img imagefs.Image) (string, error)

	// IsHealthy returns whether the LLM server is healthy.
	IsHealthy() bool
}

// Prompter is implemented by backends that can answer a plain text prompt.
type Prompter interface {
	Prompt(ctx context.Context, prompt string) (string, error)
}

// ErrorKind classifies a failed Result.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindFilesystem ErrorKind = "filesystem"
	KindAPICall    ErrorKind = "api_call"
)

// ErrUnsupported is returned by Ask for backends without text prompts.
var ErrUnsupported = errors.New("backend does not support text prompts")

// Result is the outcome of one request. A failed request carries its kind
// and error instead of reply text.
type Result struct {
	Text string
	Kind ErrorKind
	Err  error
}

// Failed reports whether the request failed.
func (r Result) Failed() bool { return r.Kind != KindNone }

// String returns the reply text, or an "An error occurred: ..." marker for
// failed requests. This is the value stored in the results file.
func (r Result) String() string {
	if !r.Failed() {
		return r.Text
	}
	return "An error occurred: " + r.Err.Error()
}

func failure(kind ErrorKind, err error) Result {
	return Result{Kind: kind, Err: err}
}

// DescribeFile encodes the image at path and asks d to describe it. It never
// returns an error, failures are reported in the Result.
func DescribeFile(ctx context.Context, d Describer, path, prompt string) Result {
	if prompt == "" {
		prompt = DefaultPrompt
	}

	img, err := imagefs.Load(path)
	if err != nil {
		return failure(KindFilesystem, err)
	}

	text, err := d.DescribeImage(ctx, prompt, img)
	if err != nil {
		return failure(KindAPICall, err)
	}
	return Result{Text: text}
}

// Ask sends a text-only prompt through d.
func Ask(ctx context.Context, d Describer, prompt string) Result {
	p, ok := d.(Prompter)
	if !ok {
		return failure(KindAPICall, ErrUnsupported)
	}

	text, err := p.Prompt(ctx, prompt)
	if err != nil {
		return failure(KindAPICall, err)
	}
	return Result{Text: text}
}
