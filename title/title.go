// Package title names chat sessions. After the first finished turn of an
// untitled session, a Titler turns the opening user message into a short
// label that session listings can show.
package title

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/m4xw311/agentdeck/config"
	"github.com/m4xw311/agentdeck/errors"
	"github.com/m4xw311/agentdeck/session"
)

const (
	// maxRunes bounds generated titles.
	maxRunes = 60
	// maxExcerpt bounds the part of the first message sent to a provider.
	maxExcerpt = 2000
	maxTokens  = 32
	timeout    = 30 * time.Second
)

const instruction = "Write a title of at most six words for a conversation that starts with the user message below. " +
	"Reply with the title only, without quotes or a trailing period."

// Titler produces a title from the first user message of a session.
type Titler interface {
	Title(ctx context.Context, firstMessage string) (string, error)
}

// New returns the titler configured by cfg, or nil when titles are off.
func New(ctx context.Context, cfg config.Title) (Titler, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "static":
		return Static{Words: 6}, nil
	case "anthropic":
		return NewAnthropic(orDefault(cfg.Model, "claude-3-5-haiku-latest"))
	case "openai":
		return NewOpenAI(orDefault(cfg.Model, "gpt-4o-mini"))
	case "gemini":
		return NewGemini(ctx, orDefault(cfg.Model, "gemini-1.5-flash"))
	case "bedrock":
		return NewBedrock(ctx, orDefault(cfg.Model, "anthropic.claude-3-haiku-20240307-v1:0"))
	}
	return nil, errors.New("unknown title provider '%s'", cfg.Provider)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Attach watches s and titles it once its first turn ends. Sessions that
// already have a title are left alone. The returned function stops
// watching; it is also stopped when the session closes.
func Attach(s *session.Session, t Titler, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.Default()
	}
	events, stop := s.Subscribe()
	go func() {
		defer stop()
		for ev := range events {
			if ev.Update != "" || (ev.State != session.Active && ev.State != session.Cancelled) {
				continue
			}
			if s.Title() != "" {
				return
			}
			first := firstUserMessage(s.Snapshot())
			if first == "" {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			title, err := Generate(ctx, t, first)
			cancel()
			if err != nil {
				logger.Warn("could not title session", "session", ev.SessionID, "error", err)
				return
			}
			if s.Title() == "" {
				s.SetTitle(title)
				logger.Debug("session titled", "session", ev.SessionID, "title", title)
			}
			return
		}
	}()
	return stop
}

// Generate asks t for a title and tidies the answer.
func Generate(ctx context.Context, t Titler, firstMessage string) (string, error) {
	raw, err := t.Title(ctx, excerpt(firstMessage))
	if err != nil {
		return "", err
	}
	title := Clean(raw)
	if title == "" {
		return "", errors.New("provider returned an empty title")
	}
	return title, nil
}

func firstUserMessage(snap session.Snapshot) string {
	for i := range snap.Messages {
		if snap.Messages[i].Role == session.RoleUser {
			if text := strings.TrimSpace(snap.Messages[i].Text()); text != "" {
				return text
			}
		}
	}
	return ""
}

// Clean reduces a model answer to a single short line.
func Clean(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	for _, prefix := range []string{"Title:", "title:"} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`*")
	s = strings.TrimRight(s, ".")
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)[:maxRunes]
	cut := string(runes)
	if i := strings.LastIndexByte(cut, ' '); i > maxRunes/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}

func excerpt(text string) string {
	if utf8.RuneCountInString(text) <= maxExcerpt {
		return text
	}
	return string([]rune(text)[:maxExcerpt])
}

// Static titles a session with the first words of its opening message.
type Static struct {
	Words int
}

func (st Static) Title(_ context.Context, firstMessage string) (string, error) {
	line := firstMessage
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	words := strings.Fields(line)
	if st.Words > 0 && len(words) > st.Words {
		words = words[:st.Words]
	}
	return strings.Join(words, " "), nil
}
