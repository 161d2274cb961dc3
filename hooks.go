package flowgate

import (
	"context"
	"errors"
	"log/slog"

	"github.com/petrijr/flowgate/pkg/api"
)

// DocumentHook connects a document layer to the engine. The host publishes
// a DocumentEvent after its own transaction has committed; the hook starts
// the approval flow and only logs failures, so a broken workflow setup never
// fails a document save.
type DocumentHook struct {
	engine Engine
	logger *slog.Logger
}

// NewDocumentHook returns a hook driving eng. A nil logger uses slog.Default.
func NewDocumentHook(eng Engine, logger *slog.Logger) *DocumentHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentHook{engine: eng, logger: logger.With(slog.String("component", "document_hook"))}
}

// Publish handles one event and returns the runtime it resolved to, if any.
// A runtime whose apply failed is still returned; its TaskBgState tells.
func (h *DocumentHook) Publish(ctx context.Context, ev DocumentEvent) *Runtime {
	log := h.logger.With(
		slog.String("event", string(ev.Type)),
		slog.String("app_code", ev.AppCode),
		slog.String("doc_id", ev.DocID),
	)

	if ev.Type != api.DocumentSubmitted {
		log.Debug("ignoring document event")
		return nil
	}

	rt, err := h.engine.OnDocumentSubmitted(ctx, ev.AppCode, ev.DocID, ev.ActorID)
	switch {
	case err == nil:
		log.Info("document submitted", slog.String("runtime_id", rt.ID), slog.String("state", rt.State.String()))
		return rt
	case errors.Is(err, api.ErrUnknownApp):
		// Documents of apps without a registered binding are not approval
		// controlled.
		log.Debug("no app binding for document")
		return nil
	default:
		log.Error("start approval flow", slog.Any("error", err))
		return rt
	}
}

// Listen publishes every event received on events until the channel is
// closed or ctx is done.
func (h *DocumentHook) Listen(ctx context.Context, events <-chan DocumentEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Publish(ctx, ev)
		}
	}
}
