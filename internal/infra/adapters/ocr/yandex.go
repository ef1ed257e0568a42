package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"grading-orchestrator/internal/config"
	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/adapter"
)

var _ adapter.OCREngine = (*YandexEngine)(nil)

// YandexEngine calls Yandex Vision OCR recognizeText and keeps the line layout.
type YandexEngine struct {
	url      string
	apiKey   string
	folderID string
	model    string
	langs    []string
	httpc    *http.Client
}

func NewYandexEngine(cfg config.OCRConfig) (*YandexEngine, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("yandex ocr: empty api key")
	}
	return &YandexEngine{
		url:      cfg.URL,
		apiKey:   cfg.APIKey,
		folderID: cfg.FolderID,
		model:    cfg.Model,
		langs:    cfg.Languages,
		httpc:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (e *YandexEngine) Name() string { return "yandex" }

type request struct {
	Content       string   `json:"content"`
	MimeType      string   `json:"mimeType,omitempty"`      // "JPEG" | "PNG" | "PDF"
	LanguageCodes []string `json:"languageCodes,omitempty"` // ["ru","en"]
	Model         string   `json:"model,omitempty"`         // e.g. "handwritten", "page"
}

// Yandex encodes every number as a string.
type num string

func (n num) int() int {
	v, _ := strconv.ParseFloat(string(n), 64)
	return int(v)
}

type response struct {
	Result *struct {
		TextAnnotation *struct {
			Width  num `json:"width"`
			Height num `json:"height"`
			Blocks []struct {
				Lines []struct {
					Text        string `json:"text"`
					BoundingBox struct {
						Vertices []struct {
							X num `json:"x"`
							Y num `json:"y"`
						} `json:"vertices"`
					} `json:"boundingBox"`
				} `json:"lines"`
			} `json:"blocks"`
		} `json:"textAnnotation"`
	} `json:"result"`
}

func (e *YandexEngine) Recognize(ctx context.Context, img model.Image) (adapter.OCRResult, error) {
	if !img.HasData() {
		return adapter.OCRResult{}, domain.Validation("ocr", fmt.Errorf("%w: no image bytes for %s", domain.ErrInvalidArgument, img.Ref))
	}
	payload, _ := json.Marshal(request{
		Content:       base64.StdEncoding.EncodeToString(img.Data),
		MimeType:      mimeForOCR(img),
		LanguageCodes: e.langs,
		Model:         e.model,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return adapter.OCRResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Api-Key "+e.apiKey)
	if e.folderID != "" {
		req.Header.Set("x-folder-id", e.folderID)
	}

	resp, err := e.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return adapter.OCRResult{}, ctx.Err()
		}
		return adapter.OCRResult{}, domain.Transient("ocr", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		x, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("yandex ocr %d: %s", resp.StatusCode, strings.TrimSpace(string(x)))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return adapter.OCRResult{}, domain.Exhausted("ocr", err, 0)
		case resp.StatusCode >= 500:
			return adapter.OCRResult{}, domain.Transient("ocr", err)
		}
		return adapter.OCRResult{}, err
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return adapter.OCRResult{}, fmt.Errorf("yandex ocr: decode: %w", err)
	}
	return out.toResult(), nil
}

func (r response) toResult() adapter.OCRResult {
	if r.Result == nil || r.Result.TextAnnotation == nil {
		return adapter.OCRResult{}
	}
	ta := r.Result.TextAnnotation
	res := adapter.OCRResult{Width: ta.Width.int(), Height: ta.Height.int()}
	for _, b := range ta.Blocks {
		for _, l := range b.Lines {
			text := strings.TrimSpace(l.Text)
			if text == "" {
				continue
			}
			line := model.OCRLine{Text: text, Confidence: 1}
			if vs := l.BoundingBox.Vertices; len(vs) > 0 {
				minX, minY, maxX, maxY := vs[0].X.int(), vs[0].Y.int(), vs[0].X.int(), vs[0].Y.int()
				for _, v := range vs[1:] {
					minX, maxX = min(minX, v.X.int()), max(maxX, v.X.int())
					minY, maxY = min(minY, v.Y.int()), max(maxY, v.Y.int())
				}
				line.Box = model.BBox{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
			}
			res.Lines = append(res.Lines, line)
		}
	}
	return res
}

func mimeForOCR(img model.Image) string {
	ct := img.ContentType
	if ct == "" {
		ct = http.DetectContentType(img.Data)
	}
	switch {
	case strings.Contains(ct, "png"):
		return "PNG"
	case strings.Contains(ct, "pdf"):
		return "PDF"
	default:
		return "JPEG"
	}
}
