package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"projectfinder/internal/ai"
	"projectfinder/internal/errs"
	"projectfinder/internal/keyword"
	"projectfinder/internal/model"
	"projectfinder/internal/repository"
	"projectfinder/internal/retry"
	"projectfinder/internal/vectorindex"
)

type QueryState string

const (
	StateReceived         QueryState = "RECEIVED"
	StateClassified       QueryState = "CLASSIFIED"
	StateKeywordSearch    QueryState = "KEYWORD_SEARCH"
	StateSemanticSearch   QueryState = "SEMANTIC_SEARCH"
	StateContextAssembled QueryState = "CONTEXT_ASSEMBLED"
	StateGenerating       QueryState = "GENERATING"
	StateResponded        QueryState = "RESPONDED"
	StateFailed           QueryState = "FAILED"
)

const noResultsAnswer = "No procurement records matched the query."

type ChatCompleter interface {
	Complete(ctx context.Context, messages []ai.ChatMessage) (string, error)
	Name() string
}

type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type KeywordSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]keyword.Result, error)
}

type HistoryCache interface {
	GetHistory(ctx context.Context, sessionID string) ([]model.ChatLogEntry, bool, error)
	SetHistory(ctx context.Context, sessionID string, entries []model.ChatLogEntry) error
	Invalidate(ctx context.Context, sessionID string) error
	IsDirty(ctx context.Context, sessionID string) (bool, error)
}

type RouterOptions struct {
	DefaultK          int
	MaxK              int
	MaxContextRecords int
	MaxContextChars   int
	SessionIdle       time.Duration
	HistoryLimit      int
	// Generation retries the chat completion; timeouts count as transient.
	Generation retry.Policy
	Now        func() time.Time
}

type QueryInput struct {
	SessionID string              `json:"session_id"`
	Query     string              `json:"query"`
	Filters   vectorindex.Filters `json:"filters"`
	TopK      int                 `json:"top_k"`
}

type RetrievedRecord struct {
	Record model.ProcurementRecord `json:"record"`
	Score  float64                 `json:"score"`
}

type QueryResult struct {
	SessionID   string            `json:"session_id"`
	NewSession  bool              `json:"new_session"`
	Path        SearchPath        `json:"path"`
	State       QueryState        `json:"state"`
	Transitions []QueryState      `json:"transitions"`
	Degraded    bool              `json:"degraded"`
	Answer      string            `json:"answer"`
	Records     []RetrievedRecord `json:"records"`
	ModelUsed   string            `json:"model_used,omitempty"`
	LatencyMS   int64             `json:"latency_ms"`
}

// QueryRouter answers natural-language queries over the catalog. Every
// request, failed or not, is appended to its session log.
type QueryRouter struct {
	classifier *Classifier
	keyword    KeywordSearcher
	embedder   QueryEmbedder
	index      vectorindex.Index
	records    *repository.RecordRepository
	chats      *repository.ChatRepository
	sink       ChatLogSink
	history    HistoryCache
	llm        ChatCompleter
	opts       RouterOptions
	log        *zap.Logger
}

// NewQueryRouter wires a router. history may be nil.
func NewQueryRouter(
	classifier *Classifier,
	keywordSearcher KeywordSearcher,
	embedder QueryEmbedder,
	index vectorindex.Index,
	records *repository.RecordRepository,
	chats *repository.ChatRepository,
	sink ChatLogSink,
	history HistoryCache,
	llm ChatCompleter,
	opts RouterOptions,
	log *zap.Logger,
) *QueryRouter {
	if opts.DefaultK <= 0 {
		opts.DefaultK = 5
	}
	if opts.MaxContextRecords <= 0 {
		opts.MaxContextRecords = 5
	}
	if opts.MaxContextChars <= 0 {
		opts.MaxContextChars = 4000
	}
	if opts.SessionIdle <= 0 {
		opts.SessionIdle = 30 * time.Minute
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &QueryRouter{
		classifier: classifier,
		keyword:    keywordSearcher,
		embedder:   embedder,
		index:      index,
		records:    records,
		chats:      chats,
		sink:       sink,
		history:    history,
		llm:        llm,
		opts:       opts,
		log:        log.Named("router"),
	}
}

// request carries one query through the state machine.
type request struct {
	input  QueryInput
	result *QueryResult
	start  time.Time
	err    error
}

func (q *request) advance(state QueryState) {
	q.result.State = state
	q.result.Transitions = append(q.result.Transitions, state)
}

func (q *request) fail(err error) {
	q.err = err
	q.advance(StateFailed)
}

// Handle runs a query. A generation failure degrades the answer to the raw
// retrieval results; only failures before retrieval produced anything are
// returned as errors, and the result is still returned alongside them.
func (r *QueryRouter) Handle(ctx context.Context, input QueryInput) (*QueryResult, error) {
	req := &request{input: input, start: r.opts.Now(), result: &QueryResult{}}
	req.advance(StateReceived)

	session, isNew, err := r.resolveSession(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}
	req.result.SessionID = session
	req.result.NewSession = isNew

	r.process(ctx, req)

	req.result.LatencyMS = r.opts.Now().Sub(req.start).Milliseconds()
	r.appendLog(ctx, req)
	if req.err != nil {
		return req.result, req.err
	}
	return req.result, nil
}

func (r *QueryRouter) process(ctx context.Context, req *request) {
	query := strings.TrimSpace(req.input.Query)
	if query == "" {
		req.fail(errs.InvalidQueryf("empty query"))
		return
	}
	if err := req.input.Filters.Validate(); err != nil {
		req.fail(err)
		return
	}
	k := req.input.TopK
	if k == 0 {
		k = r.opts.DefaultK
	}
	if k <= 0 || (r.opts.MaxK > 0 && k > r.opts.MaxK) {
		req.fail(errs.InvalidQueryf("top_k must be between 1 and %d, got %d", r.opts.MaxK, k))
		return
	}

	path, rule := r.classifier.Classify(query)
	req.result.Path = path
	req.advance(StateClassified)
	r.log.Debug("query classified", zap.String("path", string(path)), zap.String("rule", rule))

	hits, err := r.retrieve(ctx, req, query, k)
	if err != nil {
		req.fail(err)
		return
	}
	req.result.Records = hits

	prompt := r.assembleContext(query, hits)
	req.advance(StateContextAssembled)

	if len(hits) == 0 {
		req.result.Answer = noResultsAnswer
		req.advance(StateResponded)
		return
	}

	req.advance(StateGenerating)
	var answer string
	genErr := r.opts.Generation.Do(ctx, func(ctx context.Context) error {
		out, err := r.llm.Complete(ctx, prompt)
		if err != nil {
			return err
		}
		answer = strings.TrimSpace(out)
		if answer == "" {
			return errs.Permanent(errors.New("empty completion"))
		}
		return nil
	})
	if genErr != nil {
		r.log.Warn("generation failed, answering with retrieval results", zap.Error(genErr))
		req.result.Degraded = true
		req.result.Answer = degradedAnswer(hits)
		req.advance(StateResponded)
		return
	}
	req.result.ModelUsed = r.llm.Name()
	req.result.Answer = answer
	req.advance(StateResponded)
}

// retrieve runs the classified path. A keyword query that matches nothing,
// or whose keyword search fails, falls through to semantic search.
func (r *QueryRouter) retrieve(ctx context.Context, req *request, query string, k int) ([]RetrievedRecord, error) {
	if req.result.Path == PathKeyword {
		req.advance(StateKeywordSearch)
		hits, err := r.keywordSearch(ctx, query, k, req.input.Filters)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, err
		case err != nil:
			r.log.Warn("keyword search failed, falling back to semantic search", zap.String("query", query), zap.Error(err))
		case len(hits) > 0:
			return hits, nil
		}
		req.result.Path = PathSemantic
	}

	req.advance(StateSemanticSearch)
	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	found, err := r.index.Search(ctx, vec, k, req.input.Filters)
	if err != nil {
		return nil, err
	}
	out := make([]RetrievedRecord, len(found))
	for i, hit := range found {
		out[i] = RetrievedRecord{Record: hit.Record, Score: hit.Score}
	}
	return out, nil
}

func (r *QueryRouter) keywordSearch(ctx context.Context, query string, k int, filters vectorindex.Filters) ([]RetrievedRecord, error) {
	results, err := r.keyword.Search(ctx, query, k*4)
	if err != nil {
		return nil, err
	}
	ids := make([]uint, len(results))
	scores := make(map[uint]float64, len(results))
	for i, res := range results {
		ids[i] = res.RecordID
		scores[res.RecordID] = res.Score
	}
	recs, err := r.records.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]RetrievedRecord, 0, k)
	for i := range recs {
		if !filters.Match(&recs[i]) {
			continue
		}
		out = append(out, RetrievedRecord{Record: recs[i], Score: scores[recs[i].ID]})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// assembleContext renders at most MaxContextRecords records and
// MaxContextChars characters of record text into the prompt.
func (r *QueryRouter) assembleContext(query string, hits []RetrievedRecord) []ai.ChatMessage {
	var b strings.Builder
	for i, hit := range hits {
		if i >= r.opts.MaxContextRecords {
			break
		}
		block := renderRecord(i+1, &hit.Record)
		remaining := r.opts.MaxContextChars - b.Len()
		if remaining <= 0 {
			break
		}
		if len(block) > remaining {
			block = truncateRunes(block, remaining)
		}
		b.WriteString(block)
	}

	system := "You help software companies find public procurement opportunities. " +
		"Answer using only the procurement records in the context. " +
		"Cite records by their number. If the records do not answer the question, say so."
	user := "Context:\n" + b.String() + "\nQuestion: " + query
	return []ai.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

func renderRecord(n int, rec *model.ProcurementRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s\n", n, rec.Title)
	if rec.Description != model.Unspecified && rec.Description != rec.Title {
		fmt.Fprintf(&b, "Description: %s\n", rec.Description)
	}
	fmt.Fprintf(&b, "Entity: %s | Status: %s | Category: %s\n", rec.EntityName, rec.Status, rec.Category)
	if rec.HasAmount() {
		fmt.Fprintf(&b, "Amount: %.2f %s\n", rec.Amount, rec.Currency)
	}
	if rec.HasPublishedAt() {
		fmt.Fprintf(&b, "Published: %s\n", rec.PublishedAt.Format("2006-01-02"))
	}
	b.WriteString("---\n")
	return b.String()
}

func degradedAnswer(hits []RetrievedRecord) string {
	var b strings.Builder
	b.WriteString("The assistant is unavailable right now. These records match your query:\n")
	for i, hit := range hits {
		rec := hit.Record
		fmt.Fprintf(&b, "%d. %s (%s", i+1, rec.Title, rec.EntityName)
		if rec.HasAmount() {
			fmt.Fprintf(&b, ", %.2f %s", rec.Amount, rec.Currency)
		}
		b.WriteString(")\n")
	}
	return strings.TrimSpace(b.String())
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if i > n {
			break
		}
		cut = i
	}
	return s[:cut]
}

// resolveSession returns the session to log into. An empty, unknown or
// expired id starts a new session.
func (r *QueryRouter) resolveSession(ctx context.Context, id string) (string, bool, error) {
	now := r.opts.Now()
	if id != "" {
		session, err := r.chats.GetSession(ctx, id)
		if err != nil {
			return "", false, err
		}
		if session != nil && !session.Expired(now) {
			return session.ID, false, nil
		}
		r.log.Debug("starting new chat session", zap.String("previous", id))
	}

	session := &model.ChatSession{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(r.opts.SessionIdle),
	}
	if err := r.chats.CreateSession(ctx, session); err != nil {
		return "", false, err
	}
	return session.ID, true, nil
}

func (r *QueryRouter) appendLog(ctx context.Context, req *request) {
	ids := make([]uint, len(req.result.Records))
	for i, rec := range req.result.Records {
		ids[i] = rec.Record.ID
	}
	rawIDs, _ := json.Marshal(ids)

	entry := model.ChatLogEntry{
		SessionID: req.result.SessionID,
		Query:     req.input.Query,
		Response:  req.result.Answer,
		Path:      string(req.result.Path),
		State:     string(req.result.State),
		Degraded:  req.result.Degraded,
		RecordIDs: datatypes.JSON(rawIDs),
		ModelUsed: req.result.ModelUsed,
		LatencyMS: req.result.LatencyMS,
		CreatedAt: r.opts.Now(),
	}
	if req.err != nil {
		entry.Error = req.err.Error()
	}

	logCtx := context.WithoutCancel(ctx)
	if r.history != nil {
		if err := r.history.Invalidate(logCtx, entry.SessionID); err != nil {
			r.log.Warn("invalidate chat history failed", zap.String("session_id", entry.SessionID), zap.Error(err))
		}
	}
	if err := r.sink.Append(logCtx, entry); err != nil {
		r.log.Error("append chat log failed", zap.String("session_id", entry.SessionID), zap.Error(err))
	}
}

// History returns the latest entries of a session, reading through the cache
// unless the session has an in-flight write.
func (r *QueryRouter) History(ctx context.Context, sessionID string, limit int) ([]model.ChatLogEntry, error) {
	if limit <= 0 || limit > r.opts.HistoryLimit {
		limit = r.opts.HistoryLimit
	}
	session, err := r.chats.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("chat session %s: %w", sessionID, errs.ErrNotFound)
	}

	if r.history != nil {
		dirty, err := r.history.IsDirty(ctx, sessionID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := r.history.GetHistory(ctx, sessionID); cacheErr == nil && hit {
				return trimEntries(cached, limit), nil
			}
		}
	}

	entries, err := r.chats.ListEntries(ctx, sessionID, r.opts.HistoryLimit)
	if err != nil {
		return nil, err
	}
	if r.history != nil {
		if dirty, dirtyErr := r.history.IsDirty(ctx, sessionID); dirtyErr == nil && !dirty {
			if err := r.history.SetHistory(ctx, sessionID, entries); err != nil {
				r.log.Warn("cache chat history failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	}
	return trimEntries(entries, limit), nil
}

func trimEntries(entries []model.ChatLogEntry, limit int) []model.ChatLogEntry {
	if limit <= 0 || limit >= len(entries) {
		return entries
	}
	return entries[len(entries)-limit:]
}

type Suggestion struct {
	Category string   `json:"category"`
	Queries  []string `json:"queries"`
}

var suggestions = []Suggestion{
	{Category: "software_development", Queries: []string{
		"Procesos de desarrollo de software a medida publicados este mes",
		"Licitaciones para sistemas de gestión documental",
	}},
	{Category: "web_development", Queries: []string{
		"Portales web institucionales en convocatoria",
		"Plataformas de trámite en línea para municipalidades",
	}},
	{Category: "mobile_app", Queries: []string{
		"Aplicaciones móviles para servicios de salud",
	}},
	{Category: "management_system", Queries: []string{
		"Sistemas de planillas y recursos humanos",
		"Implementación de ERP en gobiernos regionales",
	}},
}

func (r *QueryRouter) Suggestions() []Suggestion {
	out := make([]Suggestion, len(suggestions))
	copy(out, suggestions)
	return out
}

type ChatbotStats struct {
	repository.ChatStats
	DegradedShare float64 `json:"degraded_share"`
}

func (r *QueryRouter) Stats(ctx context.Context) (*ChatbotStats, error) {
	stats, err := r.chats.Stats(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	out := &ChatbotStats{ChatStats: *stats}
	if stats.TotalQueries > 0 {
		out.DegradedShare = float64(stats.Degraded) / float64(stats.TotalQueries)
	}
	return out, nil
}
