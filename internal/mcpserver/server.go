// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the project graph to calling agents via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/waymark/internal/apperr"
	"github.com/starford/waymark/internal/entityservice"
	"github.com/starford/waymark/internal/models"
	"github.com/starford/waymark/internal/search"
)

// FormatURI is the resource URI of the entity format contract.
const FormatURI = "waymark://entity-format"

// Server wraps the MCP server with the waymark tools.
type Server struct {
	mcp *server.MCPServer
	svc *entityservice.Service
}

// New creates a new MCP server with all tools registered.
func New(svc *entityservice.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"waymark",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("query_entities",
		mcp.WithDescription("List entities matching filters. All filters are optional and combine with AND. Results are sorted by id."),
		mcp.WithString("type", mcp.Description("Comma separated entity types: milestone, story, task, decision, document")),
		mcp.WithString("status", mcp.Description("Comma separated statuses, e.g. \"In Progress,Blocked\"")),
		mcp.WithString("workstream", mcp.Description("Workstream name")),
		mcp.WithString("parent", mcp.Description("Parent entity id")),
		mcp.WithBoolean("archived", mcp.Description("Only archived (true) or only active (false) entities")),
		mcp.WithBoolean("in_progress", mcp.Description("Only entities currently in progress")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results")),
	), s.queryEntities)

	s.mcp.AddTool(mcp.NewTool("search_entities",
		mcp.WithDescription("Ranked full-text search over entity titles and content. Title matches rank above content matches."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithString("type", mcp.Description("Comma separated entity types to restrict to")),
		mcp.WithBoolean("include_archived", mcp.Description("Include archived entities")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results")),
		mcp.WithNumber("min_score", mcp.Description("Drop hits scoring below this value")),
	), s.searchEntities)

	s.mcp.AddTool(mcp.NewTool("get_entity",
		mcp.WithDescription("Read one entity with its relations, child progress, file checksum and available transitions."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Entity id, e.g. S-012")),
	), s.getEntity)

	s.mcp.AddTool(mcp.NewTool("get_related",
		mcp.WithDescription("List the entities related to an entity, grouped by relation type."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Entity id")),
		mcp.WithString("relation", mcp.Description("Restrict to one relation type, e.g. blocked_by")),
	), s.getRelated)

	s.mcp.AddTool(mcp.NewTool("get_children",
		mcp.WithDescription("List the children of a milestone or story."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Parent entity id")),
		mcp.WithString("type", mcp.Description("Restrict to one child type")),
	), s.getChildren)

	s.mcp.AddTool(mcp.NewTool("check_dependency",
		mcp.WithDescription("Check whether an entity may depend on another: both must exist, the type rules must allow it and it must not close a cycle. Nothing is written."),
		mcp.WithString("from", mcp.Required(), mcp.Description("Dependent entity id")),
		mcp.WithString("to", mcp.Required(), mcp.Description("Dependency id")),
	), s.checkDependency)

	s.mcp.AddTool(mcp.NewTool("add_dependency",
		mcp.WithDescription("Record that one entity depends on another and write it to the entity file. Refuses cycles unless force is set."),
		mcp.WithString("from", mcp.Required(), mcp.Description("Dependent entity id")),
		mcp.WithString("to", mcp.Required(), mcp.Description("Dependency id")),
		mcp.WithBoolean("force", mcp.Description("Add the dependency even if it closes a cycle")),
	), s.addDependency)

	s.mcp.AddTool(mcp.NewTool("analyze_dependencies",
		mcp.WithDescription("Find direct dependencies already implied by another dependency. Set prune to remove them from the file."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Entity id")),
		mcp.WithBoolean("prune", mcp.Description("Remove the redundant dependencies")),
	), s.analyzeDependencies)

	s.mcp.AddTool(mcp.NewTool("get_transitions",
		mcp.WithDescription("List the status transitions leaving the entity's current status and whether each is currently allowed."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Entity id")),
	), s.getTransitions)

	s.mcp.AddTool(mcp.NewTool("transition_status",
		mcp.WithDescription("Change an entity's status. The move is validated against the state machine, written to the file and cascaded to parents and children."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Entity id")),
		mcp.WithString("status", mcp.Required(), mcp.Description("Target status, e.g. \"Completed\"")),
		mcp.WithString("checksum", mcp.Description("File checksum from get_entity; the change is refused if the file changed since")),
	), s.transitionStatus)

	s.mcp.AddTool(mcp.NewTool("get_stats",
		mcp.WithDescription("Summarise the index: counts by type, status and workstream, relationships and search vocabulary."),
	), s.getStats)

	s.mcp.AddTool(mcp.NewTool("validate_vault",
		mcp.WithDescription("Validate every entity: required fields, references, relationship type rules, duplicate ids, cycles and redundant dependencies."),
	), s.validateVault)

	s.mcp.AddTool(mcp.NewTool("get_entity_contract",
		mcp.WithDescription("Returns the entity file format contract. "+
			"Call this before editing entity files to ensure correct structure."),
	), s.getEntityContract)

	// Resource: entity format contract.
	s.mcp.AddResource(
		mcp.NewResource(FormatURI, "Entity Format Contract",
			mcp.WithResourceDescription("Frontmatter format, id prefixes, statuses and relationship rules of entity files."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readEntityFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// errorResult turns a domain error into a tool error the agent can act on.
func errorResult(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError("not found: " + err.Error())
	case errors.Is(err, apperr.ErrConflict):
		return mcp.NewToolResultError("checksum mismatch: the entity file changed, read it again with get_entity")
	default:
		return mcp.NewToolResultError(err.Error())
	}
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func typesArg(v string) []models.EntityType {
	var out []models.EntityType
	for _, t := range splitCSV(v) {
		out = append(out, models.EntityType(strings.ToLower(t)))
	}
	return out
}

func optionalBool(req mcp.CallToolRequest, key string) *bool {
	if _, ok := req.GetArguments()[key]; !ok {
		return nil
	}
	b := req.GetBool(key, false)
	return &b
}

func (s *Server) queryEntities(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f := models.Filter{
		Types:      typesArg(req.GetString("type", "")),
		Workstream: req.GetString("workstream", ""),
		Parent:     models.EntityID(req.GetString("parent", "")),
		Archived:   optionalBool(req, "archived"),
		InProgress: optionalBool(req, "in_progress"),
		Limit:      req.GetInt("limit", 0),
	}
	for _, st := range splitCSV(req.GetString("status", "")) {
		f.Statuses = append(f.Statuses, models.Status(st))
	}
	return jsonResult(s.svc.Query(f))
}

func (s *Server) searchEntities(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	minScore := req.GetFloat("min_score", 0)
	if minScore < 0 {
		return mcp.NewToolResultError("min_score must be a non-negative number"), nil
	}
	hits := s.svc.Search(query, search.Options{
		Limit:           req.GetInt("limit", 0),
		MinScore:        minScore,
		Types:           typesArg(req.GetString("type", "")),
		IncludeArchived: req.GetBool("include_archived", false),
	})
	if len(hits) == 0 {
		return mcp.NewToolResultText("no matches"), nil
	}
	return jsonResult(hits)
}

func (s *Server) getEntity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, err := s.svc.Get(ctx, models.EntityID(id))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(d)
}

func (s *Server) getRelated(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rel := models.RelationType(req.GetString("relation", ""))
	if rel != "" && !rel.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown relation type %q", rel)), nil
	}
	out, err := s.svc.Related(models.EntityID(id), rel)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(out)
}

func (s *Server) getChildren(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	typ := models.EntityType(strings.ToLower(req.GetString("type", "")))
	children, err := s.svc.Children(models.EntityID(id), typ)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(children)
}

func (s *Server) checkDependency(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from, err := req.RequireString("from")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to, err := req.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	chk, err := s.svc.CheckDependency(models.EntityID(from), models.EntityID(to))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(chk)
}

func (s *Server) addDependency(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from, err := req.RequireString("from")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to, err := req.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	chk, err := s.svc.AddDependency(ctx, models.EntityID(from), models.EntityID(to), req.GetBool("force", false))
	if errors.Is(err, apperr.ErrCycle) {
		msg := err.Error()
		if len(chk.Cycle.Suggestions) > 0 {
			msg += "\nSuggestions:\n- " + strings.Join(chk.Cycle.Suggestions, "\n- ")
		}
		return mcp.NewToolResultError(msg), nil
	}
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(chk)
}

func (s *Server) analyzeDependencies(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	eid := models.EntityID(id)
	if req.GetBool("prune", false) {
		a, err := s.svc.PruneDependencies(ctx, eid)
		if err != nil {
			return errorResult(err), nil
		}
		if a == nil {
			return mcp.NewToolResultText(fmt.Sprintf("%s has no redundant dependencies", eid)), nil
		}
		return jsonResult(a)
	}
	a, err := s.svc.AnalyzeDependencies(eid)
	if err != nil {
		return errorResult(err), nil
	}
	if a == nil {
		return mcp.NewToolResultText(fmt.Sprintf("%s has no redundant dependencies", eid)), nil
	}
	return jsonResult(a)
}

func (s *Server) getTransitions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ts, err := s.svc.Transitions(ctx, models.EntityID(id))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(ts)
}

func (s *Server) transitionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status, err := req.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := s.svc.TransitionStatus(ctx, models.EntityID(id), models.Status(status), req.GetString("checksum", ""))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(out)
}

func (s *Server) getStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.svc.Stats())
}

func (s *Server) validateVault(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.svc.Validate())
}

func (s *Server) getEntityContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(EntityFormatContract), nil
}

func (s *Server) readEntityFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      FormatURI,
			MIMEType: "text/markdown",
			Text:     EntityFormatContract,
		},
	}, nil
}
