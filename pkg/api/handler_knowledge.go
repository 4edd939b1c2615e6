package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/testpilot-ai/testpilot/pkg/impact"
	"github.com/testpilot-ai/testpilot/pkg/knowledge"
	"github.com/testpilot-ai/testpilot/pkg/llm"
	"github.com/testpilot-ai/testpilot/pkg/models"
)

const similarK = 5

type knowledgeStoreRequest struct {
	ID       string                 `json:"id"`
	Record   models.ExecutionRecord `json:"record"`
	Metadata map[string]any         `json:"metadata"`
}

// handleKnowledgeStore stores an execution record with caller-supplied flat
// metadata merged over the derived fields.
func (s *Server) handleKnowledgeStore(c *gin.Context) {
	if s.deps.Knowledge == nil || s.deps.Embedder == nil {
		abortError(c, validationError(fmt.Errorf("knowledge store is not configured")))
		return
	}
	var req knowledgeStoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, validationError(err))
		return
	}
	if req.Record.PlanName == "" {
		abortError(c, validationError(fmt.Errorf("record.plan_name is required")))
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	doc := knowledge.RenderExecutionRecord(&req.Record)
	vec, err := s.deps.Embedder.Embed(c.Request.Context(), doc)
	if err != nil {
		abortError(c, err)
		return
	}
	meta := knowledge.ExecutionMetadata(&req.Record)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if err := s.deps.Knowledge.Store(c.Request.Context(), req.ID, doc, vec, meta); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": req.ID})
}

type knowledgeQueryRequest struct {
	Query      string         `json:"query"`
	K          int            `json:"k"`
	Filters    map[string]any `json:"filters"`
	TextFilter string         `json:"text_filter"`
}

// handleKnowledgeQuery answers a semantic query with hits and, when an LLM
// client is configured, a synthesised natural-language answer.
func (s *Server) handleKnowledgeQuery(c *gin.Context) {
	if s.deps.Knowledge == nil || s.deps.Embedder == nil {
		abortError(c, validationError(fmt.Errorf("knowledge store is not configured")))
		return
	}
	var req knowledgeQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, validationError(err))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		abortError(c, validationError(fmt.Errorf("query is required")))
		return
	}
	if req.K <= 0 {
		req.K = 5
	}

	vec, err := s.deps.Embedder.Embed(c.Request.Context(), req.Query)
	if err != nil {
		abortError(c, err)
		return
	}
	hits, err := s.deps.Knowledge.Query(c.Request.Context(), vec, req.K, req.Filters, req.TextFilter)
	if err != nil {
		abortError(c, err)
		return
	}

	answer := s.synthesiseAnswer(c, req.Query, hits)
	c.JSON(http.StatusOK, gin.H{"hits": hits, "answer": answer})
}

// synthesiseAnswer asks the LLM to answer the query from the retrieved
// documents. Best-effort: failures degrade to a count summary.
func (s *Server) synthesiseAnswer(c *gin.Context, query string, hits []knowledge.Hit) string {
	fallback := fmt.Sprintf("%d matching records found.", len(hits))
	if s.deps.LLM == nil || len(hits) == 0 {
		return fallback
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nRetrieved records:\n", query)
	for _, hit := range hits {
		fmt.Fprintf(&b, "---\n%s\n", hit.Document)
	}
	answer, err := s.deps.LLM.Complete(c.Request.Context(), llm.Request{
		System:    "Answer the question using only the retrieved test execution records. Be concise.",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		MaxTokens: 512,
	})
	if err != nil {
		s.deps.Log.Warn("Answer synthesis failed", "error", err)
		return fallback
	}
	return strings.TrimSpace(answer)
}

// handleKnowledgeSimilar returns the nearest neighbours of a stored run.
func (s *Server) handleKnowledgeSimilar(c *gin.Context) {
	if s.deps.Knowledge == nil {
		abortError(c, validationError(fmt.Errorf("knowledge store is not configured")))
		return
	}
	runID := c.Param("runId")
	_, _, embedding, err := s.deps.Knowledge.Get(c.Request.Context(), runID)
	if err != nil {
		abortError(c, err)
		return
	}
	hits, err := s.deps.Knowledge.Query(c.Request.Context(), embedding, similarK+1, nil, "")
	if err != nil {
		abortError(c, err)
		return
	}
	neighbours := make([]knowledge.Hit, 0, similarK)
	for _, hit := range hits {
		if hit.ID == runID {
			continue
		}
		neighbours = append(neighbours, hit)
		if len(neighbours) == similarK {
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "similar": neighbours})
}

type impactRequest struct {
	ChangedFiles []string `json:"changedFiles"`
	Message      string   `json:"message"`
}

// handleKnowledgeImpact analyses a change set.
func (s *Server) handleKnowledgeImpact(c *gin.Context) {
	if s.deps.Impact == nil {
		abortError(c, validationError(fmt.Errorf("impact analyser is not configured")))
		return
	}
	var req impactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, validationError(err))
		return
	}
	if len(req.ChangedFiles) == 0 {
		abortError(c, validationError(fmt.Errorf("changedFiles is required")))
		return
	}
	report, err := s.deps.Impact.Analyse(c.Request.Context(), impact.ChangeSet{
		ChangedFiles:  req.ChangedFiles,
		CommitMessage: req.Message,
	})
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleKnowledgeStats returns aggregate store statistics.
func (s *Server) handleKnowledgeStats(c *gin.Context) {
	if s.deps.Knowledge == nil {
		abortError(c, validationError(fmt.Errorf("knowledge store is not configured")))
		return
	}
	agg, err := s.deps.Knowledge.Aggregate(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, agg)
}

// handleHealth reports liveness and store counts.
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.deps.Knowledge != nil {
		if count, err := s.deps.Knowledge.Count(c.Request.Context()); err == nil {
			body["documents"] = count
		}
	}
	if s.deps.Launcher != nil {
		body["pending_runs"] = s.deps.Launcher.Pending()
	}
	c.JSON(http.StatusOK, body)
}
