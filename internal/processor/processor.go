// Package processor turns completed prompt batches into observations. The
// database is the queue: a background loop pulls unprocessed batches,
// dispatches on source type, and only user batches pay for LLM extraction.
package processor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oakci/oak/internal/app"
	"github.com/oakci/oak/internal/llm"
	"github.com/oakci/oak/internal/models"
	"github.com/oakci/oak/internal/retrieval"
	"github.com/oakci/oak/internal/store"
)

// ObservationStore is the slice of the memory service the processor needs.
type ObservationStore interface {
	StoreObservation(ctx context.Context, o *models.Observation) (*models.Observation, bool, error)
}

// Processor drives batch extraction and session summarization.
type Processor struct {
	db   *sql.DB
	mem  ObservationStore
	chat llm.ChatClient
	cfg  app.ProcessorSettings

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New wires the processor.
func New(db *sql.DB, mem ObservationStore, chat llm.ChatClient, cfg app.ProcessorSettings) *Processor {
	return &Processor{db: db, mem: mem, chat: chat, cfg: cfg, stop: make(chan struct{})}
}

// Start launches the background poll loop.
func (p *Processor) Start() {
	interval := time.Duration(p.cfg.PollIntervalSecond) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
			}
			if err := p.ProcessPending(context.Background()); err != nil {
				slog.Warn("batch processing pass failed", "error", err)
			}
		}
	}()
}

// Stop shuts the poll loop down.
func (p *Processor) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// ProcessPending drains the queue of unprocessed completed batches. One
// failing batch does not block the rest; it is marked processed-unsuccessful
// and skipped on future passes.
func (p *Processor) ProcessPending(ctx context.Context) error {
	batches, err := store.ListUnprocessedBatches(p.db, 10)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if err := p.ProcessBatch(ctx, b); err != nil {
			slog.Warn("batch processing failed",
				"batch_id", b.ID, "session_id", b.SessionID, "error", err)
		}
	}
	return nil
}

// ProcessBatch dispatches one batch by source type. Only user batches run
// the extraction pipeline; the rest are bookkeeping.
func (p *Processor) ProcessBatch(ctx context.Context, batch *models.PromptBatch) error {
	switch batch.SourceType {
	case models.SourceTypeUser:
		return p.processUserBatch(ctx, batch)
	case models.SourceTypeAgentNotification:
		return store.MarkPromptBatchProcessed(p.db, batch.ID, true, "agent_work")
	case models.SourceTypeSystem:
		return store.MarkPromptBatchProcessed(p.db, batch.ID, true, "system")
	case models.SourceTypePlan:
		return p.processPlanBatch(ctx, batch, "plan")
	case models.SourceTypeDerivedPlan:
		return p.processPlanBatch(ctx, batch, "derived_plan")
	default:
		return fmt.Errorf("unknown source type %q for batch %d", batch.SourceType, batch.ID)
	}
}

// processPlanBatch stores the plan content as a plan observation so it lands
// in the index, then marks the batch done. Extraction is skipped; a plan is
// already distilled.
func (p *Processor) processPlanBatch(ctx context.Context, batch *models.PromptBatch, classification string) error {
	if batch.PlanContent != "" && !batch.PlanEmbedded {
		_, _, err := p.mem.StoreObservation(ctx, &models.Observation{
			SessionID:         batch.SessionID,
			PromptBatchID:     &batch.ID,
			Observation:       batch.PlanContent,
			MemoryType:        models.MemoryTypePlan,
			FilePath:          batch.PlanFilePath,
			SessionOriginType: string(batch.SourceType),
		})
		if err != nil {
			slog.Warn("failed to store plan observation", "batch_id", batch.ID, "error", err)
		} else if err := store.MarkBatchPlanEmbedded(p.db, batch.ID); err != nil {
			return err
		}
	}
	return store.MarkPromptBatchProcessed(p.db, batch.ID, true, classification)
}

func (p *Processor) processUserBatch(ctx context.Context, batch *models.PromptBatch) error {
	activities, err := store.ListActivitiesForBatch(p.db, batch.ID)
	if err != nil {
		return err
	}

	if err := p.maybeSynthesizePlan(ctx, batch, activities); err != nil {
		// Plan synthesis is an enrichment; extraction proceeds without it.
		slog.Warn("plan synthesis failed", "batch_id", batch.ID, "error", err)
	}

	digest := digestActivities(activities)

	classification, err := p.classify(ctx, batch, digest)
	if err != nil {
		slog.Warn("classification failed, defaulting to exploration",
			"batch_id", batch.ID, "error", err)
		classification = ClassExploration
	}

	observations, err := p.extract(ctx, batch, activities, digest, classification)
	if err != nil {
		if markErr := store.MarkPromptBatchProcessed(p.db, batch.ID, false, classification); markErr != nil {
			return markErr
		}
		return fmt.Errorf("extraction failed for batch %d: %w", batch.ID, err)
	}

	firstObservationID := ""
	for _, o := range observations {
		stored, _, err := p.mem.StoreObservation(ctx, o)
		if err != nil {
			// One bad observation never aborts the batch.
			slog.Warn("failed to store observation", "batch_id", batch.ID, "error", err)
			continue
		}
		if firstObservationID == "" {
			firstObservationID = stored.ID
		}
	}
	if err := store.MarkActivitiesProcessed(p.db, batch.ID, firstObservationID); err != nil {
		return err
	}
	return store.MarkPromptBatchProcessed(p.db, batch.ID, true, classification)
}

// taskCreationTools are the agent's planning tools. A batch that used them
// without writing a plan file gets a derived plan synthesized from their
// inputs.
var taskCreationTools = map[string]bool{"TodoWrite": true, "ExitPlanMode": true}

func (p *Processor) maybeSynthesizePlan(ctx context.Context, batch *models.PromptBatch, activities []*models.Activity) error {
	if batch.PlanContent != "" || batch.PlanFilePath != "" {
		return nil
	}
	var inputs []string
	for _, a := range activities {
		if taskCreationTools[a.ToolName] {
			inputs = append(inputs, a.ToolInput)
		}
	}
	if len(inputs) == 0 {
		return nil
	}

	plan, err := p.chat.Chat(ctx, llm.ChatRequest{
		System:      planSynthesisSystemPrompt,
		User:        strings.Join(inputs, "\n---\n"),
		MaxTokens:   p.outputTokens(0),
		Temperature: 0.3,
	})
	if err != nil {
		return err
	}
	plan = strings.TrimSpace(llm.StripReasoning(plan))
	if plan == "" {
		return nil
	}
	if err := store.SetBatchPlan(p.db, batch.ID, "", plan); err != nil {
		return err
	}
	batch.PlanContent = plan
	_, err = store.CreateDerivedPlanBatch(p.db, batch.SessionID, batch.ID, "", plan, time.Now())
	return err
}

func (p *Processor) classify(ctx context.Context, batch *models.PromptBatch, d *batchDigest) (string, error) {
	user := fmt.Sprintf("Prompt: %s\nTools used: %s\nFiles modified: %d, files created: %d, errors: %d",
		truncate(batch.UserPrompt, 2000), strings.Join(d.ToolNames, ", "),
		len(d.FilesModified), len(d.FilesCreated), len(d.Errors))
	reply, err := p.chat.Chat(ctx, llm.ChatRequest{
		System:      classificationSystemPrompt,
		User:        user,
		MaxTokens:   8,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	return normalizeClassification(llm.StripReasoning(reply)), nil
}

// extractionResult is the JSON shape the extraction prompt asks for.
type extractionResult struct {
	Observations []rawObservation `json:"observations"`
}

type rawObservation struct {
	Type        string `json:"type"`
	Observation string `json:"observation"`
	Context     string `json:"context"`
	Importance  int    `json:"importance"`
	FilePath    string `json:"file_path"`
	Tags        string `json:"tags"`
}

func (p *Processor) extract(ctx context.Context, batch *models.PromptBatch, activities []*models.Activity, d *batchDigest, classification string) ([]*models.Observation, error) {
	contextText := renderContext(batch, activities, d,
		p.cfg.MaxActivities, p.cfg.MaxPromptChars, p.cfg.MaxContextChars)

	reply, err := p.chat.Chat(ctx, llm.ChatRequest{
		System:      extractionPrompt(classification),
		User:        contextText,
		MaxTokens:   p.outputTokens(retrieval.EstimateTokens(contextText)),
		Temperature: 0.3,
		WantJSON:    true,
	})
	if err != nil {
		return nil, err
	}

	raw := parseObservations(llm.StripReasoning(reply))
	return p.toObservations(batch, raw), nil
}

// outputTokens returns the configured cap, raised to contextTokens/4 when
// the context is large enough that the cap would strangle the reply.
func (p *Processor) outputTokens(contextTokens int) int {
	out := p.cfg.MaxOutputTokens
	if out <= 0 {
		out = 1024
	}
	if quarter := contextTokens / 4; quarter > out {
		out = quarter
	}
	return out
}

func (p *Processor) toObservations(batch *models.PromptBatch, raw []rawObservation) []*models.Observation {
	maxObs := p.cfg.MaxObservations
	if maxObs <= 0 {
		maxObs = 10
	}
	if len(raw) > maxObs {
		raw = raw[:maxObs]
	}
	var out []*models.Observation
	for _, r := range raw {
		text := strings.TrimSpace(r.Observation)
		if text == "" {
			continue
		}
		mt := models.MemoryType(strings.ToLower(strings.TrimSpace(r.Type)))
		if !knownMemoryType(mt) {
			mt = models.MemoryTypeDiscovery
		}
		importance := r.Importance
		if importance < 1 || importance > 10 {
			importance = 5
		}
		out = append(out, &models.Observation{
			SessionID:         batch.SessionID,
			PromptBatchID:     &batch.ID,
			Observation:       text,
			MemoryType:        mt,
			Context:           r.Context,
			Importance:        importance,
			FilePath:          r.FilePath,
			Tags:              r.Tags,
			SessionOriginType: string(batch.SourceType),
		})
	}
	return out
}

func knownMemoryType(mt models.MemoryType) bool {
	for _, k := range models.KnownMemoryTypes {
		if mt == k {
			return true
		}
	}
	return false
}

// parseObservations tries strict JSON first, then the regex fallback. An
// unparseable reply is a zero-observation success, not an error.
func parseObservations(reply string) []rawObservation {
	candidate := llm.ExtractJSON(reply)

	var result extractionResult
	if err := json.Unmarshal([]byte(candidate), &result); err == nil {
		return result.Observations
	}
	// The model may return a bare array.
	var list []rawObservation
	if err := json.Unmarshal([]byte(candidate), &list); err == nil {
		return list
	}
	return regexFallback(reply)
}

var (
	observationObjectRe = regexp.MustCompile(`\{[^{}]*"observation"[^{}]*\}`)
	fieldRes            = map[string]*regexp.Regexp{
		"type":        regexp.MustCompile(`"type"\s*:\s*"([^"]*)"`),
		"observation": regexp.MustCompile(`"observation"\s*:\s*"((?:[^"\\]|\\.)*)"`),
		"context":     regexp.MustCompile(`"context"\s*:\s*"((?:[^"\\]|\\.)*)"`),
		"importance":  regexp.MustCompile(`"importance"\s*:\s*(\d+)`),
	}
)

// regexFallback reconstructs observation objects from malformed JSON. It
// only recovers the core fields; the rest default.
func regexFallback(reply string) []rawObservation {
	var out []rawObservation
	for _, obj := range observationObjectRe.FindAllString(reply, -1) {
		var r rawObservation
		if m := fieldRes["observation"].FindStringSubmatch(obj); m != nil {
			r.Observation = unescapeJSONString(m[1])
		}
		if r.Observation == "" {
			continue
		}
		if m := fieldRes["type"].FindStringSubmatch(obj); m != nil {
			r.Type = m[1]
		}
		if m := fieldRes["context"].FindStringSubmatch(obj); m != nil {
			r.Context = unescapeJSONString(m[1])
		}
		if m := fieldRes["importance"].FindStringSubmatch(obj); m != nil {
			fmt.Sscanf(m[1], "%d", &r.Importance)
		}
		out = append(out, r)
	}
	return out
}

func unescapeJSONString(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}
