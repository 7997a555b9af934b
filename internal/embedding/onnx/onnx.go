// Package onnx runs CLIP vision and text encoders locally with ONNX Runtime.
package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"imagesearch/internal/embedding"
	"imagesearch/internal/embedding/clip"
	"imagesearch/internal/similarity"
)

// ContextLength is the CLIP text encoder's token window.
const ContextLength = 77

type Config struct {
	LibraryPath string
	VisionModel string
	TextModel   string
	Tokenizer   string
	Dimensions  int
}

var _ embedding.Provider = (*Provider)(nil)

// Provider owns one session per encoder. Sessions share preallocated
// tensors, so calls are serialized.
type Provider struct {
	mu sync.Mutex

	vision      *ort.AdvancedSession
	pixels      *ort.Tensor[float32]
	imageEmbeds *ort.Tensor[float32]

	text          *ort.AdvancedSession
	tokenizer     *Tokenizer
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	textEmbeds    *ort.Tensor[float32]

	destroy []func() error
	once    sync.Once
	logger  *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("onnx: dimensions must be positive, got %d", cfg.Dimensions)
	}

	ort.SetSharedLibraryPath(cfg.LibraryPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("init onnx: %w", err)
	}

	p := &Provider{logger: logger}
	p.destroy = append(p.destroy, ort.DestroyEnvironment)

	if err := p.initVision(cfg); err != nil {
		_ = p.Close()
		return nil, err
	}
	if err := p.initText(cfg); err != nil {
		_ = p.Close()
		return nil, err
	}

	logger.Info("onnx provider ready",
		"vision_model", cfg.VisionModel,
		"text_model", cfg.TextModel,
		"dimensions", cfg.Dimensions,
	)
	return p, nil
}

func (p *Provider) initVision(cfg Config) error {
	pixels, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, clip.InputSize, clip.InputSize))
	if err != nil {
		return fmt.Errorf("create pixel tensor: %w", err)
	}
	p.pixels = pixels
	p.destroy = append(p.destroy, pixels.Destroy)

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.Dimensions)))
	if err != nil {
		return fmt.Errorf("create image embedding tensor: %w", err)
	}
	p.imageEmbeds = out
	p.destroy = append(p.destroy, out.Destroy)

	session, err := ort.NewAdvancedSession(
		cfg.VisionModel,
		[]string{"pixel_values"},
		[]string{"image_embeds"},
		[]ort.ArbitraryTensor{pixels},
		[]ort.ArbitraryTensor{out},
		nil,
	)
	if err != nil {
		return fmt.Errorf("create vision session: %w", err)
	}
	p.vision = session
	p.destroy = append(p.destroy, session.Destroy)
	return nil
}

func (p *Provider) initText(cfg Config) error {
	shape := ort.NewShape(1, ContextLength)

	inputIDs, err := ort.NewEmptyTensor[int64](shape)
	if err != nil {
		return fmt.Errorf("create input tensor: %w", err)
	}
	p.inputIDs = inputIDs
	p.destroy = append(p.destroy, inputIDs.Destroy)

	mask, err := ort.NewEmptyTensor[int64](shape)
	if err != nil {
		return fmt.Errorf("create attention tensor: %w", err)
	}
	p.attentionMask = mask
	p.destroy = append(p.destroy, mask.Destroy)

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.Dimensions)))
	if err != nil {
		return fmt.Errorf("create text embedding tensor: %w", err)
	}
	p.textEmbeds = out
	p.destroy = append(p.destroy, out.Destroy)

	session, err := ort.NewAdvancedSession(
		cfg.TextModel,
		[]string{"input_ids", "attention_mask"},
		[]string{"text_embeds"},
		[]ort.ArbitraryTensor{inputIDs, mask},
		[]ort.ArbitraryTensor{out},
		nil,
	)
	if err != nil {
		return fmt.Errorf("create text session: %w", err)
	}
	p.text = session
	p.destroy = append(p.destroy, session.Destroy)

	tokenizer, err := NewTokenizer(cfg.Tokenizer)
	if err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}
	p.tokenizer = tokenizer
	p.destroy = append(p.destroy, tokenizer.Close)
	return nil
}

// Embed runs the encoder matching modality and L2-normalises its output.
func (p *Provider) Embed(ctx context.Context, modality embedding.Modality, data []byte) ([]float32, error) {
	if err := embedding.CheckModality(modality); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, embedding.Fail(err, "embedding cancelled")
	}

	switch modality {
	case embedding.Vision:
		return p.embedImage(data)
	default:
		return p.embedText(string(data))
	}
}

func (p *Provider) embedImage(data []byte) ([]float32, error) {
	pixels, err := clip.PreprocessBytes(data)
	if err != nil {
		return nil, embedding.Fail(err, "preprocessing image")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	copy(p.pixels.GetData(), pixels)
	if err := p.vision.Run(); err != nil {
		return nil, embedding.Fail(err, "vision inference")
	}
	return normalized(p.imageEmbeds.GetData()), nil
}

func (p *Provider) embedText(text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inputIDs, mask := p.tokenizer.Encode(text, ContextLength)
	copy(p.inputIDs.GetData(), inputIDs)
	copy(p.attentionMask.GetData(), mask)

	if err := p.text.Run(); err != nil {
		return nil, embedding.Fail(err, "text inference")
	}
	return normalized(p.textEmbeds.GetData()), nil
}

func normalized(out []float32) []float32 {
	v := make([]float32, len(out))
	copy(v, out)
	similarity.Normalize(v)
	return v
}

// Close destroys sessions, tensors and the runtime in reverse order of
// creation.
func (p *Provider) Close() error {
	var first error
	p.once.Do(func() {
		for i := len(p.destroy) - 1; i >= 0; i-- {
			if err := p.destroy[i](); err != nil && first == nil {
				first = err
			}
		}
	})
	return first
}
