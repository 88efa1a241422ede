package core

import (
	apperrors "github.com/Skryldev/raw-processor/errors"
)

// TaskKind tags the payload variant of a Task.
type TaskKind string

const (
	KindDecode       TaskKind = "decode"
	KindLinearize    TaskKind = "linearize"
	KindDemosaic     TaskKind = "demosaic"
	KindFullPipeline TaskKind = "full-pipeline"
)

// Payload is the sealed set of task bodies. Only the variants in this file
// implement it.
type Payload interface {
	Kind() TaskKind
	// take moves every buffer into a copy owned by the pool.
	take() (Payload, error)
	// plan returns the memory plan the payload was issued under, if any.
	plan() *MemoryPlan
}

// DownscaleOptions controls the post-demosaic resize.
type DownscaleOptions struct {
	Factor        float64 // 0 = none
	MaxMegapixels float64 // 0 = no ceiling
	Method        string  // "nearest" (default) or "smooth"
}

// DecodePayload asks for sensor data and metadata from file bytes.
type DecodePayload struct {
	File *Blob
	Plan *MemoryPlan
}

func (DecodePayload) Kind() TaskKind { return KindDecode }

func (p DecodePayload) take() (Payload, error) {
	if !p.File.Valid() {
		return nil, apperrors.ErrBufferMoved
	}
	p.File = p.File.Move()
	return p, nil
}

func (p DecodePayload) plan() *MemoryPlan { return p.Plan }

// LinearizePayload subtracts black level from a sensor buffer.
type LinearizePayload struct {
	Raw       *Buffer
	Meta      RawMetadata
	Normalize bool
}

func (LinearizePayload) Kind() TaskKind { return KindLinearize }

func (p LinearizePayload) take() (Payload, error) {
	if !p.Raw.Valid() {
		return nil, apperrors.ErrBufferMoved
	}
	p.Raw = p.Raw.Move()
	return p, nil
}

func (LinearizePayload) plan() *MemoryPlan { return nil }

// DemosaicPayload interpolates a linear sensor buffer to RGB and optionally
// downscales the result.
type DemosaicPayload struct {
	Raw       *Buffer
	Meta      RawMetadata
	Method    string
	Downscale DownscaleOptions
	Plan      *MemoryPlan
}

func (DemosaicPayload) Kind() TaskKind { return KindDemosaic }

func (p DemosaicPayload) take() (Payload, error) {
	if !p.Raw.Valid() {
		return nil, apperrors.ErrBufferMoved
	}
	p.Raw = p.Raw.Move()
	return p, nil
}

func (p DemosaicPayload) plan() *MemoryPlan { return p.Plan }

// PipelineOptions tunes a full-pipeline task.
type PipelineOptions struct {
	Normalize      bool
	DemosaicMethod string
	Downscale      DownscaleOptions
	Plan           *MemoryPlan
	// KeepIntermediates returns the raw and linear buffers alongside RGB.
	KeepIntermediates bool
}

// FullPipelinePayload runs decode, linearize, demosaic and downscale in one
// worker.
type FullPipelinePayload struct {
	File    *Blob
	Options PipelineOptions
}

func (FullPipelinePayload) Kind() TaskKind { return KindFullPipeline }

func (p FullPipelinePayload) take() (Payload, error) {
	if !p.File.Valid() {
		return nil, apperrors.ErrBufferMoved
	}
	p.File = p.File.Move()
	return p, nil
}

func (p FullPipelinePayload) plan() *MemoryPlan { return p.Options.Plan }

// Task is one unit of work for the WorkerPool.
type Task struct {
	ID       string // correlation key; generated when empty
	Priority int    // higher runs first
	Payload  Payload
}

// TaskResult carries buffers back to the submitter, who owns them.
type TaskResult struct {
	Meta    RawMetadata
	Raw     *Buffer // decode, or full-pipeline with KeepIntermediates
	Linear  *Buffer // linearize, or full-pipeline with KeepIntermediates
	RGB     *Buffer // demosaic and full-pipeline
	Source  DecodeSource
	IsColor bool
	Backend string
}

// Response is delivered for a task: zero or more progress messages, then
// exactly one terminal message.
type Response struct {
	ID       string
	Success  bool
	Result   *TaskResult
	Err      error
	Progress string
}

// Terminal reports whether r ends the task.
func (r Response) Terminal() bool { return r.Progress == "" }
