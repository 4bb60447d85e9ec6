package instrument

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashita-ai/kansoku/internal/experiment"
	"github.com/ashita-ai/kansoku/internal/metrics"
	"github.com/ashita-ai/kansoku/internal/model"
)

// Operation names used by the stock ops.
const (
	OpLLMGeneration = "llm_generation"
	OpPDFProcessing = "pdf_processing"
	OpQA            = "qa_operation"

	// QASubject is the monitor key for question answering.
	QASubject = "qa_system"
)

// LLMOp instruments a language-model call. Token counts are estimated from
// the prompt (the call's input) and the response (its output) as words * 1.3.
func LLMOp(modelName, provider string) Op {
	return Op{
		Name:     OpLLMGeneration,
		Category: model.CategoryLLM,
		Subject:  provider + ":" + modelName,
		TrackRun: true,
		Params: map[string]any{
			experiment.ParamModelName: modelName,
			"provider":                provider,
		},
		Describe: func(in, out any, elapsed time.Duration) model.Attributes {
			return metrics.LLMAttributes(metrics.LLMUsage{
				Model:     modelName,
				Provider:  provider,
				TokensIn:  metrics.EstimateTokens(text(in)),
				TokensOut: metrics.EstimateTokens(text(out)),
			}, elapsed)
		},
	}
}

// PDFStatser is implemented by extraction results that know their own stats.
type PDFStatser interface {
	PDFStats() metrics.PDFStats
}

// PDFOp instruments a PDF extraction call. A string input is taken as the
// document path; the output is either a PDFStatser or the extracted text.
// The file is only parsed when the output does not report a page count.
func PDFOp() Op {
	return Op{
		Name:     OpPDFProcessing,
		Category: model.CategoryPDF,
		TrackRun: true,
		Describe: func(in, out any, _ time.Duration) model.Attributes {
			var stats metrics.PDFStats
			if o, ok := out.(PDFStatser); ok {
				stats = o.PDFStats()
			} else if t := text(out); t != "" {
				stats.Words = int64(len(strings.Fields(t)))
				stats.Characters = int64(len(t))
				stats.Chunks = chunks(t)
			}
			if path, ok := in.(string); ok && path != "" {
				measureFile(&stats, path)
			}
			return metrics.PDFAttributes(stats)
		},
	}
}

// pdfFileInfo is swapped in tests to count document parses.
var pdfFileInfo = metrics.PDFFileInfo

// measureFile fills what s lacks from the file at path. A document that
// fails to parse still contributes its name and size.
func measureFile(s *metrics.PDFStats, path string) {
	if s.FileName == "" {
		s.FileName = filepath.Base(path)
	}
	if s.Pages > 0 {
		if s.FileSizeMB == 0 {
			if size, err := metrics.FileSizeMB(path); err == nil {
				s.FileSizeMB = size
			}
		}
		return
	}
	info, _ := pdfFileInfo(path)
	s.Pages = info.Pages
	if s.FileSizeMB == 0 {
		s.FileSizeMB = info.FileSizeMB
	}
}

// Question is the input of a question-answering call.
type Question struct {
	Context  string
	Question string
}

// QAOp instruments a question-answering call. The input may be a Question
// or the bare question string; the output is the answer.
func QAOp() Op {
	return Op{
		Name:     OpQA,
		Category: model.CategoryQA,
		Subject:  QASubject,
		TrackRun: true,
		Describe: func(in, out any, _ time.Duration) model.Attributes {
			var q Question
			switch v := in.(type) {
			case Question:
				q = v
			case *Question:
				if v != nil {
					q = *v
				}
			default:
				q.Question = text(in)
			}
			answer := text(out)
			attrs := model.Attributes{
				"question_length":    int64(len(q.Question)),
				"answer_length":      int64(len(answer)),
				model.AttrTokensIn:   metrics.EstimateTokens(q.Context + " " + q.Question),
				model.AttrTokensOut:  metrics.EstimateTokens(answer),
				"context_size":       int64(len(q.Context)),
				model.AttrChunkCount: chunks(q.Context),
			}
			if len(q.Context) > 0 {
				attrs["context_processing_ratio"] = float64(len(answer)) / float64(len(q.Context))
			}
			return attrs
		},
	}
}

// PipelineOp instruments an end-to-end pipeline call (extraction, generation
// and answering together) under one run that every inner instrumented call
// nests beneath.
func PipelineOp(name string) Op {
	if name == "" {
		name = "complete"
	}
	return Op{
		Name:     name,
		Category: model.CategoryLLM,
		TrackRun: true,
	}
}

func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	}
	return ""
}

// chunks estimates paragraph-sized chunks from blank-line separators.
func chunks(s string) int64 {
	if strings.TrimSpace(s) == "" {
		return 0
	}
	return int64(strings.Count(s, "\n\n") + 1)
}
