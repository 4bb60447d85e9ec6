package kansoku

import (
	"github.com/ashita-ai/kansoku/internal/alert"
	"github.com/ashita-ai/kansoku/internal/experiment"
	"github.com/ashita-ai/kansoku/internal/instrument"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/sampler"
)

// Public names for the types that cross the package boundary. Aliases keep
// a single definition while letting callers outside the module name them.
type (
	Attributes   = model.Attributes
	Category     = model.Category
	MetricRecord = model.MetricRecord
	RunRecord    = model.RunRecord
	RunStatus    = model.RunStatus
	ModelStatus  = model.ModelStatus
	SystemStatus = model.SystemStatus
	SystemSample = model.SystemSample
	AlertRule    = model.AlertRule
	Alert        = model.Alert

	// Op describes one instrumented operation.
	Op = instrument.Op
	// Question is the input of a QA operation.
	Question = instrument.Question
)

// Extension points.
type (
	// Backend is an experiment tracking store: MLflow, Postgres, SQLite or
	// a caller implementation.
	Backend = experiment.Backend
	// Sampler reads host resources for the monitor.
	Sampler = sampler.Sampler
	// AlertCallback is invoked for every alert whose rule names it.
	AlertCallback = alert.Callback
)

const (
	CategoryLLM     = model.CategoryLLM
	CategoryPDF     = model.CategoryPDF
	CategorySystem  = model.CategorySystem
	CategoryQuality = model.CategoryQuality
	CategoryQA      = model.CategoryQA

	RunStatusFinished = model.RunStatusFinished
	RunStatusFailed   = model.RunStatusFailed
	RunStatusKilled   = model.RunStatusKilled
)

// LLMOp instruments a text generation call against modelName.
func LLMOp(modelName, provider string) Op { return instrument.LLMOp(modelName, provider) }

// PDFOp instruments a PDF extraction call.
func PDFOp() Op { return instrument.PDFOp() }

// QAOp instruments a question answering call.
func QAOp() Op { return instrument.QAOp() }

// PipelineOp instruments a whole pipeline run; per-step ops nest under it.
func PipelineOp(name string) Op { return instrument.PipelineOp(name) }
