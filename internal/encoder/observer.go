package encoder

import (
	"log/slog"
	"time"

	"github.com/sga-jerrylin/DKR-SGA/pkg/metrics"
)

// Stage names reported to observers.
const (
	StageRender = "render"
	StageIndex  = "index"
	StagePack   = "pack"
	StageSave   = "save"
)

// PageEvent is reported after a page has been written as a frame.
type PageEvent struct {
	PageNum  int
	Total    int
	Width    int
	Height   int
	Chapter  string
	Duration time.Duration
}

// StageEvent is reported when a build stage finishes, successfully or not.
type StageEvent struct {
	Stage    string
	Duration time.Duration
	Err      error
}

// Observer receives encode progress. Implementations must not block.
type Observer interface {
	PageEncoded(PageEvent)
	StageFinished(StageEvent)
}

type nopObserver struct{}

func (nopObserver) PageEncoded(PageEvent)    {}
func (nopObserver) StageFinished(StageEvent) {}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) PageEncoded(e PageEvent) {
	for _, obs := range o {
		obs.PageEncoded(e)
	}
}

func (o Observers) StageFinished(e StageEvent) {
	for _, obs := range o {
		obs.StageFinished(e)
	}
}

// MetricsObserver records encode progress in Prometheus.
type MetricsObserver struct {
	Metrics *metrics.Metrics
}

func (m MetricsObserver) PageEncoded(PageEvent) { m.Metrics.PageEncoded() }

func (m MetricsObserver) StageFinished(e StageEvent) {
	m.Metrics.ObserveEncodeStage(e.Stage, e.Duration, e.Err)
}

// LogObserver logs every tenth page and every stage.
type LogObserver struct {
	Logger *slog.Logger
}

func (l LogObserver) PageEncoded(e PageEvent) {
	if e.PageNum%10 != 0 && e.PageNum != e.Total {
		return
	}
	l.Logger.Info("encoding pages", "page", e.PageNum, "total", e.Total)
}

func (l LogObserver) StageFinished(e StageEvent) {
	if e.Err != nil {
		l.Logger.Warn("encode stage failed", "stage", e.Stage, "duration", e.Duration, "error", e.Err)
		return
	}
	l.Logger.Info("encode stage finished", "stage", e.Stage, "duration", e.Duration)
}
