package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"
)

type SpanKind string

type Telemeter struct {
	jobName string

	labelNames   []string
	nonLeafKinds map[string]struct{}
	kinds        map[string]struct{}

	Metrics *Metrics

	Logger logr.Logger

	// StatusOf names the outcome of a span for the status label.
	StatusOf func(err error) string

	now func() time.Time
}

func New(jobName string, kinds []SpanKind, logger logr.Logger) *Telemeter {
	labelNames := make([]string, len(kinds))
	for i := range kinds {
		labelNames[i] = string(kinds[i])
	}

	if logger.GetSink() == nil {
		logger = klog.NewKlogr()
	}

	m := NewMetrics(jobName, labelNames)
	m.EnableHandlingTimeHistogram()

	return &Telemeter{
		jobName:      jobName,
		labelNames:   labelNames,
		nonLeafKinds: labelNamesToNonLeafKinds(labelNames),
		kinds:        labelNamesToKinds(labelNames),
		Metrics:      m,
		Logger:       logger,
		StatusOf: func(err error) string {
			if err != nil {
				return "error"
			}
			return "ok"
		},
		now: time.Now,
	}
}

type contextKey string

func kindToContextKey(kind string) contextKey {
	return contextKey(fmt.Sprintf("inferdeploy.%s", kind))
}

// WithNonLeafKind records name as the enclosing span of kind in ctx.
func (r *Telemeter) WithNonLeafKind(ctx context.Context, kind, name string) context.Context {
	return context.WithValue(ctx, kindToContextKey(kind), name)
}

func contextGetNameForKind(ctx context.Context, kind string) string {
	name, _ := ctx.Value(kindToContextKey(kind)).(string)
	return name
}

func labelNamesToNonLeafKinds(labelNames []string) map[string]struct{} {
	ctxLabels := map[string]struct{}{}
	for i := 0; i < len(labelNames)-1; i++ {
		ctxLabels[labelNames[i]] = struct{}{}
	}
	return ctxLabels
}

func labelNamesToKinds(labelNames []string) map[string]struct{} {
	kinds := map[string]struct{}{}
	for i := 0; i < len(labelNames); i++ {
		kinds[labelNames[i]] = struct{}{}
	}
	return kinds
}

// WithSpan runs body as a span of kind k named operation, counting it and
// timing it. The error of body is returned unchanged.
func (r *Telemeter) WithSpan(ctx context.Context, k SpanKind, operation string, body func(ctx context.Context) error) error {
	kind := string(k)

	if _, ok := r.kinds[kind]; !ok {
		return fmt.Errorf("unregistered kind found: %q", kind)
	}

	// Each span is labeled with the names of its enclosing non-leaf spans,
	// so with kinds ["run", "step"] a step metric tells which run it was in.
	var labelValues []string
	for _, l := range r.labelNames {
		if l == kind {
			break
		}
		labelValues = append(labelValues, contextGetNameForKind(ctx, l))
	}
	labelValues = append(labelValues, operation)

	if _, ok := r.nonLeafKinds[kind]; ok {
		ctx = r.WithNonLeafKind(ctx, kind, operation)
	}

	ms := r.Metrics.MetricSet(kind)
	ms.Started(labelValues)

	log := r.Logger.WithValues(kind, operation)
	log.V(1).Info("span.start")

	start := r.now()
	err := body(ctx)
	end := r.now()

	status := r.StatusOf(err)
	ms.Handled(start, end, status, labelValues)

	if err != nil {
		log.V(1).Info("span.end", "status", status, "duration", end.Sub(start).String(), "err", err.Error())
	} else {
		log.V(1).Info("span.end", "status", status, "duration", end.Sub(start).String())
	}

	return err
}

// Push sends the collected metrics to a Pushgateway at url.
func (r *Telemeter) Push(ctx context.Context, url string, grouping map[string]string) error {
	if err := r.Metrics.Push(ctx, url, r.jobName, grouping); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	r.Logger.V(1).Info("metrics.push", "url", url, "job", r.jobName)
	return nil
}
