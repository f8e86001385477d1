// Package substitute rewrites text containing vault tokens into text
// containing real credential values. It is the only component that joins
// token parsing, access checks and decryption, and it fails closed: one
// unresolvable token aborts the whole rewrite with no partial output.
package substitute

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/covault/covault/internal/audit"
	"github.com/covault/covault/internal/credstore"
	"github.com/covault/covault/internal/grants"
	"github.com/covault/covault/internal/token"
	"github.com/covault/covault/pkg/schema"
)

// Config tunes the substitution engine.
type Config struct {
	PoolSize  int           // max concurrent credential resolutions (default 4)
	WarnAfter time.Duration // latency above which a pass logs a warning (default 10ms)
}

// Engine performs token substitution passes.
type Engine struct {
	creds     *credstore.CredStore
	authority *grants.Authority
	auditor   *audit.Auditor
	logger    *slog.Logger
	pool      *ResolverPool
	warnAfter time.Duration
}

// NewEngine creates a substitution engine.
func NewEngine(creds *credstore.CredStore, authority *grants.Authority, auditor *audit.Auditor, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = 10 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		creds:     creds,
		authority: authority,
		auditor:   auditor,
		logger:    logger,
		pool:      NewResolverPool(cfg.PoolSize),
		warnAfter: cfg.WarnAfter,
	}
}

// Request is one substitution pass.
type Request struct {
	Text    string
	AgentID string
	Tool    string // tool the rewritten text flows into
	Origin  string
	Purpose string
}

// Result is the outcome of one substitution pass.
type Result struct {
	Text            string
	TokensProcessed int
	Elapsed         time.Duration
}

// BatchResult is the outcome of one batch pass. TokensProcessed counts
// the distinct tokens resolved across the whole batch, not per text.
type BatchResult struct {
	Texts           []string
	TokensProcessed int
	Elapsed         time.Duration
}

// Substitute rewrites req.Text with credential values. Token-free text is
// returned as-is without touching the store. Otherwise every referenced
// credential is access-checked before any value is resolved, and any
// denial or resolution failure aborts the pass: the caller gets an error
// naming the offending token, never a half-substituted text.
func (e *Engine) Substitute(ctx context.Context, req Request) (Result, error) {
	if !token.HasToken(req.Text) {
		return Result{Text: req.Text}, nil
	}
	start := time.Now()

	tokens := token.Extract(req.Text)
	if len(tokens) == 0 {
		return Result{Text: req.Text}, nil
	}

	values, err := e.resolveTokens(ctx, tokens, req)
	if err != nil {
		return Result{}, err
	}

	out := token.RenderAll(req.Text, tokens, values)
	elapsed := e.finish(ctx, req, len(tokens), len(values), start)
	return Result{Text: out, TokensProcessed: len(tokens), Elapsed: elapsed}, nil
}

// SubstituteBatch rewrites several texts as one pass: the union of their
// tokens is checked and resolved once, so a credential referenced by five
// texts costs one grant use, not five. All-or-nothing like Substitute.
func (e *Engine) SubstituteBatch(ctx context.Context, texts []string, req Request) (BatchResult, error) {
	var union []token.Token
	seen := make(map[string]struct{})
	for _, text := range texts {
		for _, t := range token.Extract(text) {
			if _, ok := seen[t.Key()]; ok {
				continue
			}
			seen[t.Key()] = struct{}{}
			union = append(union, t)
		}
	}
	if len(union) == 0 {
		return BatchResult{Texts: append([]string(nil), texts...)}, nil
	}
	start := time.Now()

	values, err := e.resolveTokens(ctx, union, req)
	if err != nil {
		return BatchResult{}, err
	}

	out := make([]string, len(texts))
	for i, text := range texts {
		out[i] = token.RenderAll(text, token.Extract(text), values)
	}
	elapsed := e.finish(ctx, req, len(union), len(values), start)
	return BatchResult{Texts: out, TokensProcessed: len(union), Elapsed: elapsed}, nil
}

// resolveTokens runs the two-phase pass: check access for every distinct
// credential first, then decrypt in parallel. Returns values keyed by
// Token.Key.
func (e *Engine) resolveTokens(ctx context.Context, tokens []token.Token, req Request) (map[string]string, error) {
	unique := dedupe(tokens)

	// Phase 1: every credential must be covered by a grant before a
	// single value is decrypted. One use is consumed per distinct
	// credential, not per occurrence.
	checked := make(map[string]struct{})
	for _, t := range unique {
		refKey := t.Ref().String()
		if _, ok := checked[refKey]; ok {
			continue
		}
		checked[refKey] = struct{}{}

		if err := e.authority.Check(ctx, grants.CheckRequest{
			Namespace: t.Namespace,
			Name:      t.Credential,
			AgentID:   req.AgentID,
			Tool:      req.Tool,
			Origin:    req.Origin,
			Purpose:   req.Purpose,
		}); err != nil {
			e.auditAborted(ctx, req, t, err)
			return nil, abortError(t, err)
		}
	}

	// Phase 2: resolve distinct tokens concurrently. The batch completes
	// when this pass's resolutions return, independent of other passes.
	var (
		mu       sync.Mutex
		values   = make(map[string]string, len(unique))
		firstErr error
		firstTok token.Token
	)
	batch := e.pool.Batch()
	for _, t := range unique {
		t := t
		submitErr := batch.Submit(ctx, func(ctx context.Context) error {
			value, err := e.creds.Resolve(ctx, t.Namespace, t.Credential, t.Field, req.AgentID, req.Origin)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr, firstTok = err, t
				}
				return err
			}
			values[t.Key()] = string(value)
			credstore.Zero(value)
			return nil
		})
		if submitErr != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr, firstTok = submitErr, t
			}
			mu.Unlock()
			break
		}
	}
	batch.Wait()

	if firstErr != nil {
		e.auditAborted(ctx, req, firstTok, firstErr)
		return nil, abortError(firstTok, firstErr)
	}
	return values, nil
}

func (e *Engine) finish(ctx context.Context, req Request, tokenCount, resolved int, start time.Time) time.Duration {
	elapsed := time.Since(start)
	if elapsed > e.warnAfter {
		m := e.pool.Metrics()
		e.logger.WarnContext(ctx, "slow substitution pass",
			slog.Duration("elapsed", elapsed),
			slog.Int("tokens", tokenCount),
			slog.String("agent_id", req.AgentID),
			slog.Int64("pool_active", m.Active),
			slog.Int64("pool_failed", m.Failed))
	}

	e.record(ctx, audit.Entry{
		Action:  schema.ActionSubstitute,
		Outcome: schema.OutcomeSuccess,
		AgentID: req.AgentID,
		Origin:  req.Origin,
		Details: map[string]any{
			"tokens":      tokenCount,
			"resolved":    resolved,
			"tool":        req.Tool,
			"duration_ms": elapsed.Milliseconds(),
		},
	})
	return elapsed
}

func (e *Engine) auditAborted(ctx context.Context, req Request, t token.Token, cause error) {
	outcome := schema.OutcomeError
	if schema.CodeOf(cause) == schema.ErrCodeAccessDenied {
		outcome = schema.OutcomeDenied
	}
	e.record(ctx, audit.Entry{
		Action:    schema.ActionSubstitute,
		Outcome:   outcome,
		Namespace: t.Namespace,
		Name:      t.Credential,
		AgentID:   req.AgentID,
		Origin:    req.Origin,
		Details: map[string]any{
			"token": t.Key(),
			"error": schema.CodeOf(cause),
			"tool":  req.Tool,
		},
	})
}

func (e *Engine) record(ctx context.Context, entry audit.Entry) {
	if err := e.auditor.Record(ctx, entry); err != nil {
		e.logger.ErrorContext(ctx, "audit append failed",
			slog.String("action", entry.Action), slog.Any("error", err))
	}
}

// Shutdown drains the resolver pool.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// abortError wraps the underlying failure with the token that sank the
// pass. The message carries the token key, never a value.
func abortError(t token.Token, cause error) error {
	if ve, ok := cause.(*schema.VaultError); ok {
		return schema.NewErrorf(ve.Code, "substitution aborted at %s: %s", t.Key(), ve.Message).
			WithKey(t.Ref().String()).WithCause(cause).WithDetails(ve.Details)
	}
	return schema.NewErrorf(schema.ErrCodeVault, "substitution aborted at %s", t.Key()).
		WithKey(t.Ref().String()).WithCause(cause)
}

// dedupe keeps one token per Token.Key, ordered by key so check order
// (and therefore the reported offending token) is deterministic.
func dedupe(tokens []token.Token) []token.Token {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0:0]
	for _, t := range tokens {
		if _, ok := seen[t.Key()]; ok {
			continue
		}
		seen[t.Key()] = struct{}{}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
