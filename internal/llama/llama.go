package llama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/chriskillpack/visionbatch/describer"
	"github.com/chriskillpack/visionbatch/internal/imagefs"
)

const (
	promptPreamble = `This is a conversation between User and Llama, a friendly chatbot. Llama is helpful, kind, honest, good at writing, and never fails to answer any requests immediately and with precision.

User:`
	promptSuffix = `
Llama:`

	imagePreamble = `A chat between a curious human and an artificial intelligence assistant. The assistant gives helpful, detailed, and polite answers to the human's questions.
USER:`
	imageSuffix = `
ASSISTANT:`

	imageID = 10
)

type jsonmap map[string]any

// These were lifted from the web inspector for the server UI
var defaultparams = jsonmap{
	"n_predict":         400,
	"n_probs":           0,
	"temperature":       0.7,
	"stop":              []string{"</s>", "Llama:", "User:"},
	"repeat_last_n":     256,
	"repeat_penalty":    1.18,
	"top_k":             40,
	"top_p":             0.5,
	"tfs_z":             1,
	"typical_p":         1,
	"presence_penalty":  0,
	"frequency_penalty": 0,
	"mirostat":          0,
	"mirostat_tau":      5,
	"mirostat_eta":      0.1,
	"grammar":           "",
	"slot_id":           -1,
	"cache_prompt":      true,
}

type llama struct {
	srvAddr   string
	seed      int
	maxTokens int

	client *http.Client
}

var _ describer.Describer = &llama{}
var _ describer.Prompter = &llama{}

func Init(srvAddr string, seed, maxTokens int, httpClient *http.Client) *llama {
	return &llama{
		srvAddr:   strings.TrimRight(srvAddr, "/"),
		seed:      seed,
		maxTokens: maxTokens,
		client:    httpClient,
	}
}

func (l *llama) Name() string { return "llama" }

// Model is whatever the server was started with, the API does not choose.
func (l *llama) Model() string { return "llama.cpp" }

func (l *llama) IsHealthy() bool {
	resp, err := l.client.Get(l.srvAddr + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

func (l *llama) DescribeImage(ctx context.Context, prompt string, img imagefs.Image) (string, error) {
	return l.sendRequest(ctx, imagePrompt(prompt), false, jsonmap{
		"image_data": []jsonmap{
			{
				"data": img.Base64, "id": imageID,
			},
		},
	})
}

func (l *llama) Prompt(ctx context.Context, prompt string) (string, error) {
	// Prompt doesn't have to be a streaming request, just kicking the tires of that code path
	return l.sendRequest(ctx, queryPrompt(prompt), true, jsonmap{})
}

// Use this with a text prompt
func queryPrompt(prompt string) string {
	return promptPreamble + prompt + promptSuffix
}

// The image is referenced from the prompt by its image_data id.
func imagePrompt(prompt string) string {
	return fmt.Sprintf("%s[img-%d]%s%s", imagePreamble, imageID, prompt, imageSuffix)
}

func (l *llama) sendRequest(ctx context.Context, prompt string, stream bool, keys jsonmap) (string, error) {
	data := maps.Clone(defaultparams)
	maps.Copy(data, keys)
	data["prompt"] = prompt
	data["stream"] = stream
	data["seed"] = l.seed
	if l.maxTokens > 0 {
		data["n_predict"] = l.maxTokens
	}

	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&data); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.srvAddr+"/completion", buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llama server returned %s", resp.Status)
	}

	content := new(bytes.Buffer)
	respbody := struct {
		Content string
		Stop    bool
	}{}

	lr := bufio.NewScanner(resp.Body)
	lr.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for !respbody.Stop {
		if !lr.Scan() {
			if err := lr.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("response ended before stop")
		}
		line := lr.Text()
		// Streamed events are separated by blank lines
		if len(line) == 0 {
			continue
		}
		if stream {
			var found bool
			line, found = strings.CutPrefix(line, "data: ")
			if !found {
				return "", fmt.Errorf("missing `data: ` prefix")
			}
		}

		if err := json.Unmarshal([]byte(line), &respbody); err != nil {
			return "", err
		}
		content.WriteString(respbody.Content)
	}

	return strings.TrimLeft(content.String(), " "), nil
}
