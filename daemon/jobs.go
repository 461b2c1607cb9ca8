package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/daemon/library"
)

const (
	jobPollInterval = 5 * time.Second

	// previewPrompt renders a neutral subject so style previews differ only
	// in the style itself.
	previewPrompt = "portrait of a woman in a garden, natural light"
	previewSize   = 512
	previewSteps  = 20
)

// jobLoop drains the persistent job queue. Jobs are best-effort background
// work; a failing job is marked failed and never retried automatically.
func (d *Daemon) jobLoop(ctx context.Context) {
	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainJobs(ctx)
		}
	}
}

func (d *Daemon) drainJobs(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := d.lib.NextJob()
		if err != nil {
			logrus.WithError(err).Warn("job queue read failed")
			return
		}
		if job == nil {
			return
		}

		if err := d.runJob(ctx, job); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"job":  job.ID,
				"type": job.Type,
			}).Warn("job failed")
			if err := d.lib.FailJob(job.ID, err.Error()); err != nil {
				logrus.WithError(err).WithField("job", job.ID).Warn("marking job failed failed")
			}
			continue
		}
		if err := d.lib.CompleteJob(job.ID); err != nil {
			logrus.WithError(err).WithField("job", job.ID).Warn("marking job complete failed")
		}
	}
}

func (d *Daemon) runJob(ctx context.Context, job *types.Job) error {
	switch job.Type {
	case "style_preview":
		return d.renderStylePreview(ctx, job.PayloadJSON)
	default:
		return errors.Errorf("unknown job type %q", job.Type)
	}
}

// renderStylePreview generates a small image through the regular admission
// path and records it as the style's preview.
func (d *Daemon) renderStylePreview(ctx context.Context, payload string) error {
	var p struct {
		Style string `json:"style"`
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return errors.Wrap(err, "parsing style_preview payload")
	}
	style, err := d.lib.GetStyle(p.Style)
	if err != nil {
		return err
	}
	if style == nil {
		return errors.Errorf("style %q no longer exists", p.Style)
	}

	prompt, negative := library.ApplyStyle(style, previewPrompt, "")
	body, err := json.Marshal(map[string]interface{}{
		"prompt":          prompt,
		"negative_prompt": negative,
		"width":           previewSize,
		"height":          previewSize,
		"steps":           previewSteps,
	})
	if err != nil {
		return err
	}

	status, resp, err := d.Generate(ctx, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errors.Errorf("preview generation returned %d", status)
	}

	var result types.GenerationResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return errors.Wrap(err, "parsing preview generation response")
	}
	if len(result.Data) == 0 || result.Data[0].URL == "" {
		return errors.New("preview generation returned no image")
	}
	return d.lib.SetStylePreview(style.Name, result.Data[0].URL)
}
