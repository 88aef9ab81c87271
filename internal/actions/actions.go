// Copyright 2025 James Ross
// Package actions ships the illustrative registered actions named in
// spec.md's scenario tests (img_metadata, img_resize, aud_format_convert,
// aud_transcribe). Real image codecs are used for the image actions; the
// audio actions stand in for out-of-scope codec/ASR integrations, since
// neither is wired into this repo's dependency stack.
package actions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/flyingrobots/go-redis-work-queue/internal/registry"
)

// RegisterAll adds every action in this package to reg.
func RegisterAll(reg *registry.Registry) {
	reg.Register(imgMetadataDescriptor())
	reg.Register(imgResizeDescriptor())
	reg.Register(audFormatConvertDescriptor())
	reg.Register(audTranscribeDescriptor())
}

type dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func imgMetadataDescriptor() registry.Descriptor {
	return registry.Descriptor{
		ActionID:    "img_metadata",
		DisplayName: "Image metadata",
		MediaType:   model.MediaImage,
		Category:    model.CategoryProcess,
		Execute:     imgMetadataExecute,
	}
}

func imgMetadataExecute(ac registry.ActionContext) (registry.ActionOutcome, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(ac.Bytes))
	if err != nil {
		return registry.ActionOutcome{}, fmt.Errorf("decode image config: %w", err)
	}
	data, err := json.Marshal(dimensions{Width: cfg.Width, Height: cfg.Height})
	if err != nil {
		return registry.ActionOutcome{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return registry.ActionOutcome{Kind: registry.OutcomeJSON, Data: data}, nil
}

type resizeParams struct {
	Mode       string `json:"mode"`
	Percentage int    `json:"percentage,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
}

func imgResizeDescriptor() registry.Descriptor {
	return registry.Descriptor{
		ActionID:    "img_resize",
		DisplayName: "Image resize",
		MediaType:   model.MediaImage,
		Category:    model.CategoryModify,
		Validate:    imgResizeValidate,
		Execute:     imgResizeExecute,
	}
}

func imgResizeValidate(params json.RawMessage) registry.ValidationResult {
	var p resizeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return registry.ValidationResult{Valid: false, Messages: []string{fmt.Sprintf("invalid parameters: %v", err)}}
		}
	}
	switch p.Mode {
	case "percentage":
		if p.Percentage <= 0 || p.Percentage > 100 {
			return registry.ValidationResult{Valid: false, Messages: []string{"percentage must be in (0,100]"}}
		}
	case "pixels":
		if p.Width <= 0 || p.Height <= 0 {
			return registry.ValidationResult{Valid: false, Messages: []string{"width and height are required for mode=pixels"}}
		}
	default:
		return registry.ValidationResult{Valid: false, Messages: []string{`mode must be "percentage" or "pixels"`}}
	}
	return registry.ValidationResult{Valid: true}
}

func imgResizeExecute(ac registry.ActionContext) (registry.ActionOutcome, error) {
	var p resizeParams
	if err := json.Unmarshal(ac.Params, &p); err != nil {
		return registry.ActionOutcome{}, fmt.Errorf("decode parameters: %w", err)
	}

	img, format, err := image.Decode(bytes.NewReader(ac.Bytes))
	if err != nil {
		return registry.ActionOutcome{}, fmt.Errorf("decode source image: %w", err)
	}

	bounds := img.Bounds()
	targetW, targetH := p.Width, p.Height
	if p.Mode == "percentage" {
		targetW = bounds.Dx() * p.Percentage / 100
		targetH = bounds.Dy() * p.Percentage / 100
	}
	resized := imaging.Resize(img, targetW, targetH, imaging.Lanczos)

	var buf bytes.Buffer
	mimeType, filename := "image/jpeg", "resized.jpg"
	if format == "png" {
		mimeType, filename = "image/png", "resized.png"
		if err := png.Encode(&buf, resized); err != nil {
			return registry.ActionOutcome{}, fmt.Errorf("encode png: %w", err)
		}
	} else if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 90}); err != nil {
		return registry.ActionOutcome{}, fmt.Errorf("encode jpeg: %w", err)
	}

	meta, err := json.Marshal(dimensions{Width: targetW, Height: targetH})
	if err != nil {
		return registry.ActionOutcome{}, fmt.Errorf("marshal result metadata: %w", err)
	}

	return registry.ActionOutcome{
		Kind:     registry.OutcomeFile,
		Bytes:    buf.Bytes(),
		MimeType: mimeType,
		Filename: filename,
		Metadata: meta,
	}, nil
}

type formatConvertParams struct {
	Format string `json:"format"`
}

var audioMimeTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"flac": "audio/flac",
	"ogg":  "audio/ogg",
}

func audFormatConvertDescriptor() registry.Descriptor {
	return registry.Descriptor{
		ActionID:    "aud_format_convert",
		DisplayName: "Audio format conversion",
		MediaType:   model.MediaAudio,
		Category:    model.CategoryModify,
		Validate:    audFormatConvertValidate,
		Execute:     audFormatConvertExecute,
	}
}

func audFormatConvertValidate(params json.RawMessage) registry.ValidationResult {
	var p formatConvertParams
	if err := json.Unmarshal(params, &p); err != nil {
		return registry.ValidationResult{Valid: false, Messages: []string{fmt.Sprintf("invalid parameters: %v", err)}}
	}
	if _, ok := audioMimeTypes[p.Format]; !ok {
		return registry.ValidationResult{Valid: false, Messages: []string{"format must be one of mp3, wav, flac, ogg"}}
	}
	return registry.ValidationResult{Valid: true}
}

// audFormatConvertExecute stands in for a real transcoder: no audio codec
// library is wired into this repo, so it re-tags the input bytes under the
// requested format's mime type and extension without re-encoding.
func audFormatConvertExecute(ac registry.ActionContext) (registry.ActionOutcome, error) {
	var p formatConvertParams
	if err := json.Unmarshal(ac.Params, &p); err != nil {
		return registry.ActionOutcome{}, fmt.Errorf("decode parameters: %w", err)
	}
	return registry.ActionOutcome{
		Kind:     registry.OutcomeFile,
		Bytes:    ac.Bytes,
		MimeType: audioMimeTypes[p.Format],
		Filename: fmt.Sprintf("converted.%s", p.Format),
	}, nil
}

func audTranscribeDescriptor() registry.Descriptor {
	return registry.Descriptor{
		ActionID:    "aud_transcribe",
		DisplayName: "Audio transcription",
		MediaType:   model.MediaAudio,
		Category:    model.CategoryTranscribe,
		Execute:     audTranscribeExecute,
	}
}

type transcribeResult struct {
	Transcript string `json:"transcript"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// audTranscribeExecute stands in for a real ASR backend: no speech-to-text
// library is wired into this repo, so it returns a placeholder transcript
// sized off the input byte length.
func audTranscribeExecute(ac registry.ActionContext) (registry.ActionOutcome, error) {
	data, err := json.Marshal(transcribeResult{
		Transcript: fmt.Sprintf("[transcription unavailable: %d bytes of audio received]", len(ac.Bytes)),
	})
	if err != nil {
		return registry.ActionOutcome{}, fmt.Errorf("marshal transcript: %w", err)
	}
	return registry.ActionOutcome{Kind: registry.OutcomeJSON, Data: data}, nil
}
