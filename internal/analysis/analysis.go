// Package analysis defines the narrow contract to the external analysis
// collaborator. The orchestrator does not know how a report is produced;
// it only hands over a request and receives a result or an error.
package analysis

import (
	"context"
)

// ProgressFunc reports collaborator progress back to the orchestrator.
// percent is 0-100; message is a short human-readable stage annotation.
type ProgressFunc func(percent int, message string)

// Request describes one analysis invocation.
type Request struct {
	Symbol       string `json:"symbol"`
	ReportType   string `json:"report_type"`
	ForceRefresh bool   `json:"force_refresh,omitempty"`

	// Progress is optional and never serialized.
	Progress ProgressFunc `json:"-"`
}

// Report is the collaborator's result payload. The orchestrator treats it
// as opaque; fields exist only so transports can round-trip it.
type Report struct {
	Symbol          string  `json:"symbol"`
	Name            string  `json:"name,omitempty"`
	SentimentScore  float64 `json:"sentiment_score,omitempty"`
	OperationAdvice string  `json:"operation_advice,omitempty"`
	TrendPrediction string  `json:"trend_prediction,omitempty"`
	Summary         string  `json:"analysis_summary,omitempty"`
}

// Collaborator runs one analysis. Implementations must honor ctx
// cancellation; invocations can take tens of seconds.
type Collaborator interface {
	Analyze(ctx context.Context, req Request) (*Report, error)
}

// Func adapts a plain function to the Collaborator interface.
type Func func(ctx context.Context, req Request) (*Report, error)

func (f Func) Analyze(ctx context.Context, req Request) (*Report, error) {
	return f(ctx, req)
}
