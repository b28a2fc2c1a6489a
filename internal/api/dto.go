package api

import (
	"github.com/starford/waymark/internal/deps"
	"github.com/starford/waymark/internal/entityservice"
	"github.com/starford/waymark/internal/index"
	"github.com/starford/waymark/internal/lifecycle"
	"github.com/starford/waymark/internal/models"
)

// TransitionRequest is the request body for a status change.
type TransitionRequest struct {
	Status models.Status `json:"status" example:"In Progress" validate:"required"`
}

// DependencyRequest is the request body for adding a dependency.
type DependencyRequest struct {
	DependsOn models.EntityID `json:"depends_on" example:"T-002" validate:"required"`
	Force     bool            `json:"force,omitempty"`
}

// EntityDetail is the full entity response (aliased from the domain layer).
type EntityDetail = entityservice.EntityDetail

// TransitionOutcome is the response of a status change (aliased from the domain layer).
type TransitionOutcome = entityservice.TransitionOutcome

// DependencyCheck is the response of a dependency check or add (aliased from the domain layer).
type DependencyCheck = entityservice.DependencyCheck

// ValidationReport is the vault validation response (aliased from the domain layer).
type ValidationReport = entityservice.Report

// EntityListResponse wraps entity listings.
type EntityListResponse struct {
	Entities []models.EntityMetadata `json:"entities" validate:"required"`
	Total    int                     `json:"total" example:"42" validate:"required"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []index.SearchHit `json:"results" validate:"required"`
}

// TransitionsResponse lists the transitions leaving the current status.
type TransitionsResponse struct {
	ID          models.EntityID       `json:"id" example:"T-001" validate:"required"`
	Transitions []lifecycle.Available `json:"transitions" validate:"required"`
}

// AnalysisResponse wraps a redundancy analysis. Analysis is null when no
// dependency is redundant.
type AnalysisResponse struct {
	ID       models.EntityID          `json:"id" example:"T-003" validate:"required"`
	Analysis *deps.TransitiveAnalysis `json:"analysis"`
}

// CyclesResponse wraps the whole-graph cycle check and redundancy report.
type CyclesResponse struct {
	Cycle     deps.CycleCheck           `json:"cycle" validate:"required"`
	Redundant []deps.TransitiveAnalysis `json:"redundant"`
}
