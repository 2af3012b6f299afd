// Package enforce translates Engine decisions into operations against
// external actors — window managers, the session-lock mechanism, and the
// user-session notification channel — with retry/backoff and fail-closed
// semantics, per the Enforcement Coordinator contract.
package enforce

import "context"

// Capability names a single operation a window-manager adapter may or may
// not support. The coordinator probes for these rather than assuming a
// fixed set, since window-manager variants differ in what they expose.
type Capability string

const (
	CapCloseWindow     Capability = "close-window"
	CapFocusWindow     Capability = "focus-window"
	CapSubscribeEvents Capability = "subscribe-events"
	CapWorkspaceInfo   Capability = "workspace-info"
)

// Actor is the window-manager capability set. A concrete adapter
// implements whichever subset its variant supports; Supports reports
// which, so the coordinator can decline an operation cleanly instead of
// erroring late inside a retry loop.
type Actor interface {
	Supports(cap Capability) bool

	CloseWindow(ctx context.Context, systemUser, windowID string) error
	FocusWindow(ctx context.Context, systemUser, windowID string) error
	SubscribeEvents(ctx context.Context, systemUser string) (<-chan WindowEvent, error)
	WorkspaceInfo(ctx context.Context, systemUser string) (WorkspaceInfo, error)
}

// WindowEvent is a window-manager lifecycle notification surfaced to a
// subscriber (opened, closed, focus-changed); the event ingestor consumes
// these on hosts where window events aren't available from eBPF alone.
type WindowEvent struct {
	SystemUser string
	WindowID   string
	Kind       string
}

// WorkspaceInfo is the minimal per-session desktop state an adapter can
// report when it supports CapWorkspaceInfo.
type WorkspaceInfo struct {
	SystemUser   string
	FocusedApp   string
	OpenWindows  int
}

// NullActor implements Actor with every capability absent. It is the
// default when no window-manager adapter has been wired for the host's
// desktop environment; the coordinator still performs session-lock and
// notification operations, which don't depend on Actor.
type NullActor struct{}

func (NullActor) Supports(Capability) bool { return false }

func (NullActor) CloseWindow(ctx context.Context, systemUser, windowID string) error {
	return errUnsupported(CapCloseWindow)
}

func (NullActor) FocusWindow(ctx context.Context, systemUser, windowID string) error {
	return errUnsupported(CapFocusWindow)
}

func (NullActor) SubscribeEvents(ctx context.Context, systemUser string) (<-chan WindowEvent, error) {
	return nil, errUnsupported(CapSubscribeEvents)
}

func (NullActor) WorkspaceInfo(ctx context.Context, systemUser string) (WorkspaceInfo, error) {
	return WorkspaceInfo{}, errUnsupported(CapWorkspaceInfo)
}
