package actionsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

type ActionHandlerOptions struct {
	Analytics AnalyticsStore
	Ledger    Ledger
	Executor  *Executor
	Logger    logrus.FieldLogger
}

// ActionHandler records a user action on a post and propagates it to the
// external platform with one inline attempt.
type ActionHandler struct {
	analytics AnalyticsStore
	ledger    Ledger
	executor  *Executor
	logger    logrus.FieldLogger
}

type ActionRequest struct {
	WorkspaceID      string
	UserID           string
	PostID           string
	Action           string
	ExternalEntityID string
	Platform         string
	Metadata         Metadata
}

type ActionResult struct {
	AlreadyRecorded bool        `json:"alreadyRecorded"`
	SyncRequested   bool        `json:"syncRequested"`
	IntentCreated   bool        `json:"intentCreated"`
	Intent          *SyncIntent `json:"intent,omitempty"`
	SyncError       string      `json:"syncError,omitempty"`
}

func NewActionHandler(opts ActionHandlerOptions) (*ActionHandler, error) {
	if opts.Analytics == nil || opts.Ledger == nil || opts.Executor == nil {
		return nil, fmt.Errorf("%w: action handler requires analytics, ledger and executor", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return &ActionHandler{
		analytics: opts.Analytics,
		ledger:    opts.Ledger,
		executor:  opts.Executor,
		logger:    logger,
	}, nil
}

// RecordAction returns an error only when the analytics fact could not be
// checked or stored. External sync failures are recorded on the ledger and
// reported in ActionResult.
func (h *ActionHandler) RecordAction(ctx context.Context, req ActionRequest) (ActionResult, error) {
	req, err := req.normalize()
	if err != nil {
		return ActionResult{}, err
	}
	logger := h.logger.WithFields(logrus.Fields{
		"workspace_id": req.WorkspaceID,
		"user_id":      req.UserID,
		"post_id":      req.PostID,
		"action":       req.Action,
	})

	exists, err := h.analytics.Exists(ctx, req.WorkspaceID, req.PostID, req.UserID, req.Action)
	if err != nil {
		return ActionResult{}, fmt.Errorf("check analytics fact: %w", err)
	}
	if exists {
		logger.Debug("action already recorded")
		return ActionResult{AlreadyRecorded: true}, nil
	}
	inserted, err := h.analytics.Insert(ctx, AnalyticsFact{
		WorkspaceID:      req.WorkspaceID,
		EntityID:         req.PostID,
		UserID:           req.UserID,
		ActionType:       req.Action,
		ExternalEntityID: req.ExternalEntityID,
		Platform:         req.Platform,
		Metadata:         req.Metadata,
	})
	if err != nil {
		return ActionResult{}, fmt.Errorf("insert analytics fact: %w", err)
	}
	if !inserted {
		// a concurrent request recorded the same fact first
		return ActionResult{AlreadyRecorded: true}, nil
	}

	result := ActionResult{}
	if req.ExternalEntityID == "" || !h.executor.Supports(req.Platform) {
		return result, nil
	}
	result.SyncRequested = true

	// The fact is already stored and later clicks stop at AlreadyRecorded, so
	// the intent must land even if the caller goes away now.
	createCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordOutcomeTimeout)
	defer cancel()
	intent, isNew, err := h.ledger.CreateIntent(createCtx, CreateIntentRequest{
		WorkspaceID:      req.WorkspaceID,
		UserID:           req.UserID,
		ExternalEntityID: req.ExternalEntityID,
		Action:           req.Action,
		Platform:         req.Platform,
		Metadata:         req.Metadata,
	})
	if err != nil {
		logger.WithError(err).Error("failed to create sync intent")
		result.SyncError = err.Error()
		return result, nil
	}
	if !isNew {
		logger.WithField("intent_id", intent.ID).Debug("sync intent already exists")
		result.Intent = &intent
		return result, nil
	}
	result.IntentCreated = true

	updated, err := h.executor.execute(ctx, intent, TriggerInline)
	if err != nil {
		result.SyncError = err.Error()
	} else if updated.LastError != nil {
		result.SyncError = *updated.LastError
	}
	result.Intent = &updated
	return result, nil
}

func (r ActionRequest) normalize() (ActionRequest, error) {
	r.WorkspaceID = strings.TrimSpace(r.WorkspaceID)
	r.UserID = strings.TrimSpace(r.UserID)
	r.PostID = strings.TrimSpace(r.PostID)
	r.Action = strings.ToLower(strings.TrimSpace(r.Action))
	r.ExternalEntityID = strings.TrimSpace(r.ExternalEntityID)
	r.Platform = strings.ToLower(strings.TrimSpace(r.Platform))
	if r.Action == "" {
		r.Action = ActionLike
	}
	if r.Platform == "" && r.ExternalEntityID != "" {
		r.Platform = PlatformYouTube
	}
	if r.WorkspaceID == "" || r.UserID == "" || r.PostID == "" {
		return ActionRequest{}, ErrInvalidInput
	}
	if r.Action != ActionLike {
		return ActionRequest{}, fmt.Errorf("%w: unsupported action %q", ErrInvalidInput, r.Action)
	}
	r.Metadata = r.Metadata.Clone()
	if _, ok := r.Metadata[MetadataPostID]; !ok {
		r.Metadata[MetadataPostID] = r.PostID
	}
	return r, nil
}
