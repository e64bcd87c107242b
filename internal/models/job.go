package models

import (
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// State enumerates the lifecycle states of an enhancement job.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// IsTerminal reports whether no further transition may leave s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateProcessing
	case StateProcessing:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}

// MediaKind tags which enhancer variant a job runs through.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

var (
	imageExtensions = map[string]struct{}{
		".jpg": {}, ".jpeg": {}, ".png": {}, ".bmp": {}, ".tiff": {}, ".webp": {},
	}
	videoExtensions = map[string]struct{}{
		".mp4": {}, ".avi": {}, ".mov": {}, ".mkv": {}, ".wmv": {},
	}
)

// KindForPath derives the media kind from the file extension, case-insensitively.
func KindForPath(path string) (MediaKind, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := imageExtensions[ext]; ok {
		return MediaImage, true
	}
	if _, ok := videoExtensions[ext]; ok {
		return MediaVideo, true
	}
	return "", false
}

// SupportedExtensions lists the accepted extensions for a media kind.
func SupportedExtensions(kind MediaKind) []string {
	set := imageExtensions
	if kind == MediaVideo {
		set = videoExtensions
	}
	out := make([]string, 0, len(set))
	for ext := range set {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Job is one enhancement request and its tracked lifecycle.
type Job struct {
	ID           string     `json:"id"`
	Input        string     `json:"input"`
	Filename     string     `json:"filename"`
	MediaKind    MediaKind  `json:"media_kind"`
	ModelID      string     `json:"model_id"`
	Scale        int        `json:"scale_factor"`
	State        State      `json:"state"`
	Destination  string     `json:"destination"`
	Output       string     `json:"output,omitempty"`
	PublishedURL string     `json:"published_url,omitempty"`
	Error        string     `json:"error,omitempty"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// ModelInfo is a read-only model catalog entry.
type ModelInfo struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Scale       int    `json:"scale" yaml:"scale"`
	Description string `json:"description" yaml:"description"`
	Tuning      Tuning `json:"-" yaml:"tuning"`
}

// Tuning parameterises the image pipeline for a model. Zero values fall back to
// the enhancer defaults.
type Tuning struct {
	Filter     string  `yaml:"filter"`
	Sharpen    float64 `yaml:"sharpen"`
	SharpenMix float64 `yaml:"sharpen_mix"`
	Denoise    float64 `yaml:"denoise"`
	Contrast   float64 `yaml:"contrast"`
	Saturation float64 `yaml:"saturation"`
}
