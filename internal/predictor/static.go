package predictor

import (
	"context"
	"strings"

	"github.com/promptforge/promptforge/pkg/types"
)

// StaticModule is a deterministic Module backed by a scoring function.
// It stands in for the external predictor in the CLI and in tests.
type StaticModule struct {
	ModuleName    string
	ModuleVersion string
	Sig           string
	Score         func(types.AnalysisInput) types.AnalysisResult
}

func (m *StaticModule) Name() string      { return m.ModuleName }
func (m *StaticModule) Version() string   { return m.ModuleVersion }
func (m *StaticModule) Signature() string { return m.Sig }

func (m *StaticModule) Predict(ctx context.Context, in types.AnalysisInput) (types.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return types.AnalysisResult{}, err
	}
	return m.Score(in), nil
}

// NewConstantModule returns a module that always predicts the given risk
// score, regardless of input.
func NewConstantModule(name string, score float64) *StaticModule {
	return &StaticModule{
		ModuleName:    name,
		ModuleVersion: "1.0.0",
		Sig:           "document -> risk_assessment",
		Score: func(types.AnalysisInput) types.AnalysisResult {
			return types.AnalysisResult{RiskScore: score}
		},
	}
}

// riskTerms drive the heuristic legal-analysis demo module. Each match
// raises the predicted risk score.
var riskTerms = []string{
	"penalty", "indemnify", "indemnity", "liability",
	"termination", "breach", "damages", "arbitration",
}

// NewLegalAnalysisModule returns the built-in demo module. It scores a
// document by counting risk-bearing terms, which keeps CLI runs and
// examples deterministic without a language model.
func NewLegalAnalysisModule() *StaticModule {
	return &StaticModule{
		ModuleName:    "legal_analysis",
		ModuleVersion: "1.2.0",
		Sig:           "document_content, document_type, language, analysis_depth -> risk_assessment",
		Score: func(in types.AnalysisInput) types.AnalysisResult {
			content := strings.ToLower(in.DocumentContent)
			var findings []types.Finding
			hits := 0
			for _, term := range riskTerms {
				n := strings.Count(content, term)
				if n == 0 {
					continue
				}
				hits += n
				severity := "low"
				if n > 2 {
					severity = "high"
				} else if n > 1 {
					severity = "medium"
				}
				findings = append(findings, types.Finding{
					Category:   term,
					Severity:   severity,
					Confidence: 0.6 + 0.1*float64(min(n, 3)),
				})
			}
			score := float64(hits * 12)
			if score > 100 {
				score = 100
			}
			keys := make([]string, 0, len(findings))
			for _, f := range findings {
				keys = append(keys, f.Category)
			}
			return types.AnalysisResult{
				RiskScore:   score,
				KeyFindings: keys,
				Findings:    findings,
			}
		},
	}
}
