package scanning

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared/constant"
)

const (
	// DefaultHuggingFaceURL is the OpenAI compatible endpoint of the Hugging Face inference router
	DefaultHuggingFaceURL   = "https://router.huggingface.co/v1/"
	defaultHuggingFaceModel = "Qwen/Qwen2.5-VL-7B-Instruct"
)

// HuggingFace implements the Scanner interface using a vision model hosted
// behind the Hugging Face inference router
type HuggingFace struct {
	client openai.Client
	model  string
}

// NewHuggingFace creates a new HuggingFace Scanner instance
func NewHuggingFace(apiKey, modelName, baseURL string) (*HuggingFace, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("hugging face: %w", ErrMissingAPIKey)
	}
	if modelName == "" {
		modelName = defaultHuggingFaceModel
	}
	if baseURL == "" {
		baseURL = DefaultHuggingFaceURL
	}

	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(strings.TrimSuffix(baseURL, "/")+"/"),
		option.WithMaxRetries(0),
	)

	return &HuggingFace{
		client: client,
		model:  modelName,
	}, nil
}

// imageDataURI encodes an image as a data URI. The JPEG mime type is used for
// every format, which is what the hosted models expect.
func imageDataURI(data []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)
}

// ScanReceipt sends the image and ReceiptPrompt in a single user turn and
// returns the completion text
func (h *HuggingFace) ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*Result, error) {
	data, err := visionImage(imageData, contentType)
	if err != nil {
		return nil, fmt.Errorf("preparing image: %w", err)
	}

	contentParts := []openai.ChatCompletionContentPartUnionParam{
		{
			OfText: &openai.ChatCompletionContentPartTextParam{
				Type: constant.Text("text"),
				Text: ReceiptPrompt,
			},
		},
		{
			OfImageURL: &openai.ChatCompletionContentPartImageParam{
				Type: constant.ImageURL("image_url"),
				ImageURL: openai.ChatCompletionContentPartImageImageURLParam{
					URL: imageDataURI(data),
				},
			},
		},
	}

	params := openai.ChatCompletionNewParams{
		Model: h.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfArrayOfContentParts: contentParts,
					},
				},
			},
		},
		MaxTokens: openai.Int(2048),
	}

	completion, err := h.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("calling hugging face: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("hugging face: %w", ErrEmptyResponse)
	}

	text := trimCompletion(completion.Choices[0].Message.Content)
	if text == "" {
		return nil, fmt.Errorf("hugging face: %w", ErrEmptyResponse)
	}

	return &Result{
		Strategy:      h.Name(),
		PromptVersion: PromptVersion,
		Text:          text,
	}, nil
}

func (h *HuggingFace) Name() string {
	return "huggingface"
}

// Close is a no-op; the HTTP client holds no resources
func (h *HuggingFace) Close() error {
	return nil
}
