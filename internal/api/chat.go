package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"corpuschat/internal/models"
	"corpuschat/internal/service/ai"
	"corpuschat/internal/service/assistant"

	"github.com/gin-gonic/gin"
)

const (
	messageIDHeader        = "X-Message-Id"
	generationErrorTrailer = "X-Generation-Error"
)

type postMessageRequest struct {
	Content          string `json:"content" validate:"required"`
	Model            string `json:"model" validate:"required"`
	Mode             string `json:"mode" validate:"omitempty,oneof=breadth depth"`
	Rerank           bool   `json:"rerank"`
	PrioritizeRecent bool   `json:"prioritize_recent"`
}

// turnWriter renders a running turn onto the response body.
type turnWriter interface {
	start(turn *assistant.Turn) error
	delta(text string) error
	done(turn *assistant.Turn, final *ai.Object) error
	fail(msg string) error
}

func (h *Handler) postMessage(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req postMessageRequest
	if !h.bind(c, &req) {
		return
	}
	if !h.limiter.Allow(identity.ProfileID) {
		h.writeError(c, errRateLimited)
		return
	}

	turn, err := h.turns.Start(c.Request.Context(), assistant.TurnRequest{
		TenantID:       identity.TenantID,
		ProfileID:      identity.ProfileID,
		ConversationID: conversationID,
		Content:        req.Content,
		Model:          req.Model,
		Flags: models.RetrievalFlags{
			Mode:             models.RetrievalMode(req.Mode),
			Rerank:           req.Rerank,
			PrioritizeRecent: req.PrioritizeRecent,
		},
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		turn.Detach()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	var w turnWriter = &plainWriter{c: c, flusher: flusher}
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		w = &sseWriter{c: c, flusher: flusher}
	}
	c.Writer.Header().Set(messageIDHeader, strconv.FormatInt(turn.MessageID, 10))
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	h.stream(c, turn, w)
}

// stream forwards partial answers until the turn finishes or the client goes
// away. A departed client does not stop the generation.
func (h *Handler) stream(c *gin.Context, turn *assistant.Turn, w turnWriter) {
	ctx := c.Request.Context()
	log := h.logger.With().Str("request_id", c.GetString(requestIDKey)).Int64("message_id", turn.MessageID).Logger()

	if err := w.start(turn); err != nil {
		turn.Detach()
		return
	}
	var tracker prefixTracker
	emit := func(message string) error {
		d, diverged := tracker.next(message)
		if diverged {
			log.Warn().Int("sent_bytes", len(tracker.sent)).Int("message_bytes", len(message)).
				Msg("message no longer extends streamed text, rest not streamed")
			return nil
		}
		if d == "" {
			return nil
		}
		return w.delta(d)
	}

	partials := turn.Partials()
	for partials != nil {
		select {
		case p, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if err := emit(p.Message); err != nil {
				turn.Detach()
				log.Debug().Err(err).Msg("client stopped reading, generation continues")
				return
			}
		case <-ctx.Done():
			turn.Detach()
			log.Debug().Msg("client disconnected, generation continues")
			return
		}
	}

	final, err := turn.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		_, msg := statusFor(err)
		if msg == "internal error" {
			msg = "generation failed"
		}
		_ = w.fail(msg)
		return
	}
	if err := emit(final.Message); err != nil {
		return
	}
	_ = w.done(turn, final)
}

// prefixTracker turns successive full messages into appended deltas.
type prefixTracker struct {
	sent string
}

// next returns the text to append after what was already sent. A message
// that does not extend the sent text is reported as diverged and leaves
// the tracker unchanged.
func (p *prefixTracker) next(message string) (string, bool) {
	if !strings.HasPrefix(message, p.sent) {
		return "", true
	}
	d := message[len(p.sent):]
	p.sent = message
	return d, false
}

type plainWriter struct {
	c       *gin.Context
	flusher http.Flusher
}

func (w *plainWriter) start(*assistant.Turn) error {
	w.c.Writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.c.Writer.Header().Set("Trailer", generationErrorTrailer)
	w.c.Status(http.StatusOK)
	w.c.Writer.WriteHeaderNow()
	w.flusher.Flush()
	return nil
}

func (w *plainWriter) delta(text string) error {
	if _, err := w.c.Writer.WriteString(text); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

func (w *plainWriter) done(*assistant.Turn, *ai.Object) error { return nil }

// fail reports through the trailer since the status line is already sent.
func (w *plainWriter) fail(msg string) error {
	w.c.Writer.Header().Set(generationErrorTrailer, msg)
	return nil
}

type sseWriter struct {
	c       *gin.Context
	flusher http.Flusher
}

func (w *sseWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) start(turn *assistant.Turn) error {
	w.c.Writer.Header().Set("Content-Type", "text/event-stream")
	w.c.Writer.Header().Set("Connection", "keep-alive")
	w.c.Status(http.StatusOK)
	return w.send("ack", gin.H{
		"message_id":      turn.MessageID,
		"conversation_id": turn.ConversationID,
		"model":           turn.Model,
	})
}

func (w *sseWriter) delta(text string) error {
	return w.send("stream", gin.H{"content": text})
}

func (w *sseWriter) done(turn *assistant.Turn, final *ai.Object) error {
	used := final.UsedSourceIndexes
	if used == nil {
		used = []int{}
	}
	sources := turn.Sources
	if sources == nil {
		sources = []models.Source{}
	}
	return w.send("done", gin.H{
		"message_id":        turn.MessageID,
		"message":           final.Message,
		"usedSourceIndexes": used,
		"sources":           sources,
	})
}

func (w *sseWriter) fail(msg string) error {
	return w.send("error", gin.H{"message": msg})
}
