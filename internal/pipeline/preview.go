package pipeline

import (
	"context"
	"strings"

	"github.com/mkarlsen/ticketscrub/internal/pii"
	"go.uber.org/zap"
)

// DefaultPreviewSampleSize bounds preview calls that pass no explicit size.
const DefaultPreviewSampleSize = 5

// Preview produces a bounded before/after sample of PII detection for a
// project without creating a run or touching persisted state. It uses a
// fresh, call-scoped allocator, reads only the first source with a resolved
// message-content mapping, and intentionally skips the quality filters so
// the sample shows raw detection behavior.
func (o *Orchestrator) Preview(ctx context.Context, projectID int64, sampleSize int) ([]PreviewResult, error) {
	if sampleSize <= 0 {
		sampleSize = DefaultPreviewSampleSize
	}

	exists, err := o.projects.ProjectExists(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrProjectNotFound
	}

	cfg, err := o.configs.GetConfig(ctx, projectID)
	if err != nil {
		return nil, err
	}

	sources, err := o.catalog.ListSources(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var src *Source
	var messageCol string
	for _, s := range sources {
		if col, ok := s.MessageColumn(); ok {
			src, messageCol = s, col
			break
		}
	}
	if src == nil {
		return nil, ErrNoEligibleSource
	}

	rows, err := o.catalog.ReadRows(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	if len(rows) > sampleSize {
		rows = rows[:sampleSize]
	}

	// Placeholder numbering restarts at 1 on every preview call.
	scope := pii.NewAllocator()
	opts := cfg.DetectionOptions()

	previews := make([]PreviewResult, 0, len(rows))
	for _, row := range rows {
		original := row[messageCol]
		if strings.TrimSpace(original) == "" {
			continue
		}

		result := o.detector.Detect(original, opts, scope)
		previews = append(previews, PreviewResult{
			Original:  original,
			Processed: result.Text,
			PIIFound:  result.Mappings,
		})
	}

	o.logger.Debug("Preview generated",
		zap.Int64("project_id", projectID),
		zap.Int64("source_id", src.ID),
		zap.Int("samples", len(previews)),
	)

	return previews, nil
}
