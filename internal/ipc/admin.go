package ipc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/errs"
)

// AdminStore is the subset of *store.Store the admin surface depends on,
// declared consumer-side per this codebase's usual interface-seam
// pattern.
type AdminStore interface {
	CreateProfile(ctx context.Context, p *domain.Profile) error
	PutPolicy(ctx context.Context, p *domain.Policy) error
	CurrentPolicy(ctx context.Context, profileID string) (*domain.Policy, error)
	GrantException(ctx context.Context, e *domain.Exception) error
	RevokeException(ctx context.Context, exceptionID string, at time.Time) error
	ListSessions(ctx context.Context, profileID string, limit int) ([]*domain.Session, error)
	DailySummaries(ctx context.Context, profileID, fromDate, toDate string) ([]*domain.DailySummary, error)
	ActivitiesInRange(ctx context.Context, profileID, fromDate, toDate string) ([]*domain.Activity, error)
	SetParentPassword(ctx context.Context, passphrase string) error
	AppendAudit(ctx context.Context, a *domain.AuditRecord) error
}

// PolicyReloader is implemented by *engine.Engine; separated from
// AdminStore so update-policy can both persist and hot-reload in one
// admin operation.
type PolicyReloader interface {
	ReloadPolicy(ctx context.Context, p *domain.Policy) error
}

// ReportingToggle is implemented by *engine.Engine.
type ReportingToggle interface {
	SetReportingOnly(on bool)
}

// Admin operation names, exactly spec.md §6's list.
const (
	OpCreateProfile     = "create-profile"
	OpUpdatePolicy      = "update-policy"
	OpGrantException    = "grant-exception"
	OpRevokeException   = "revoke-exception"
	OpListSessions      = "list-sessions"
	OpQueryActivity     = "query-activity"
	OpSetParentPassword = "set-parent-password"
	OpSetReportingOnly  = "set-reporting-only"
	OpStopDaemon        = "stop-daemon"
)

// AdminHandler dispatches one admin operation and appends its audit
// record, per spec.md §6's "every admin operation appends an immutable
// audit record" requirement.
type AdminHandler struct {
	store     AdminStore
	reloader  PolicyReloader
	reporting ReportingToggle
	minter    *TokenMinter
	shutdown  func()
}

func NewAdminHandler(store AdminStore, reloader PolicyReloader, reporting ReportingToggle, minter *TokenMinter, shutdown func()) *AdminHandler {
	return &AdminHandler{store: store, reloader: reloader, reporting: reporting, minter: minter, shutdown: shutdown}
}

// Dispatch runs op with params and records the audit trail before
// returning the result, success or failure either way.
func (h *AdminHandler) Dispatch(ctx context.Context, caller, op string, params json.RawMessage) (json.RawMessage, error) {
	result, opErr := h.dispatch(ctx, op, params)

	audit := &domain.AuditRecord{
		ID: uuid.NewString(), At: time.Now(), Caller: caller, Operation: op,
		ParamsHash: hashParams(params), Success: opErr == nil,
	}
	if pv, ok := result.(policyVersionPair); ok {
		audit.OldVersion, audit.NewVersion = pv.old, pv.new
	}
	if err := h.store.AppendAudit(ctx, audit); err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "appending audit record for "+op, err)
	}
	if opErr != nil {
		return nil, opErr
	}
	if pv, ok := result.(policyVersionPair); ok {
		return json.Marshal(map[string]int64{"new_version": pv.new})
	}
	return json.Marshal(result)
}

type policyVersionPair struct{ old, new int64 }

// activityQueryResult is query-activity's response: the pre-aggregated
// daily counters alongside the per-activity detail the daily summaries are
// rolled up from, so a caller can drill from a day's totals into what was
// actually run that day.
type activityQueryResult struct {
	Summaries  []*domain.DailySummary `json:"summaries"`
	Activities []*domain.Activity    `json:"activities"`
}

func (h *AdminHandler) dispatch(ctx context.Context, op string, params json.RawMessage) (interface{}, error) {
	switch op {
	case OpCreateProfile:
		var p domain.Profile
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		if err := h.store.CreateProfile(ctx, &p); err != nil {
			return nil, err
		}
		return p, nil

	case OpUpdatePolicy:
		var p domain.Policy
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		var oldVersion int64
		if existing, err := h.store.CurrentPolicy(ctx, p.ProfileID); err == nil && existing != nil {
			oldVersion = existing.Version
		}
		if err := h.store.PutPolicy(ctx, &p); err != nil {
			return nil, err
		}
		if err := h.reloader.ReloadPolicy(ctx, &p); err != nil {
			return nil, err
		}
		return policyVersionPair{old: oldVersion, new: p.Version}, nil

	case OpGrantException:
		var e domain.Exception
		if err := json.Unmarshal(params, &e); err != nil {
			return nil, badParams(err)
		}
		e.ID = uuid.NewString()
		e.GrantedAt = time.Now()
		if err := h.store.GrantException(ctx, &e); err != nil {
			return nil, err
		}
		return e, nil

	case OpRevokeException:
		var req struct{ ExceptionID string `json:"exception_id"` }
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, badParams(err)
		}
		if err := h.store.RevokeException(ctx, req.ExceptionID, time.Now()); err != nil {
			return nil, err
		}
		return map[string]bool{"revoked": true}, nil

	case OpListSessions:
		var req struct {
			ProfileID string `json:"profile_id"`
			Limit     int    `json:"limit"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, badParams(err)
		}
		sessions, err := h.store.ListSessions(ctx, req.ProfileID, req.Limit)
		if err != nil {
			return nil, err
		}
		return sessions, nil

	case OpQueryActivity:
		var req struct {
			ProfileID string `json:"profile_id"`
			From      string `json:"from"`
			To        string `json:"to"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, badParams(err)
		}
		summaries, err := h.store.DailySummaries(ctx, req.ProfileID, req.From, req.To)
		if err != nil {
			return nil, err
		}
		activities, err := h.store.ActivitiesInRange(ctx, req.ProfileID, req.From, req.To)
		if err != nil {
			return nil, err
		}
		return activityQueryResult{Summaries: summaries, Activities: activities}, nil

	case OpSetParentPassword:
		var req struct{ Passphrase string `json:"passphrase"` }
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, badParams(err)
		}
		if err := h.store.SetParentPassword(ctx, req.Passphrase); err != nil {
			return nil, err
		}
		token, err := h.minter.Mint()
		if err != nil {
			return nil, err
		}
		return map[string]string{"token": token}, nil

	case OpSetReportingOnly:
		var req struct{ Enabled bool `json:"enabled"` }
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, badParams(err)
		}
		h.reporting.SetReportingOnly(req.Enabled)
		return map[string]bool{"reporting_only": req.Enabled}, nil

	case OpStopDaemon:
		if h.shutdown != nil {
			go h.shutdown()
		}
		return map[string]bool{"stopping": true}, nil

	default:
		return nil, errs.New(errs.CodeIncompatibleProtocol, "unknown admin operation: "+op)
	}
}

func badParams(err error) error {
	return errs.Wrap(errs.CodeIncompatibleProtocol, "invalid admin request parameters", err)
}

func hashParams(params json.RawMessage) string {
	sum := sha256.Sum256(params)
	return hex.EncodeToString(sum[:])
}
