package session

import (
	"fmt"
	"strings"

	"github.com/openwhale/openwhale/pkg/logger"
)

// Hooks are the integration points slash commands need from the rest of
// the process. Nil hooks degrade to a short "unavailable" response.
type Hooks struct {
	// CurrentModel returns the model currently in use.
	CurrentModel func() string
	// SetModel switches the current model; returns an error if the model
	// cannot be resolved to a registered provider.
	SetModel func(model string) error
	// ListModels enumerates the models the process knows how to reach.
	ListModels func() []string
	// UsageSummary renders token usage for a session key.
	UsageSummary func(sessionKey string) string
}

const helpText = `Available commands:
/help - show this message
/new - start a fresh conversation (clears history)
/model - show the current model
/model <name> - switch to a different model
/usage - show token usage for this conversation`

// HandleSlashCommand intercepts slash commands before the model ever
// sees the message. Returns handled=false for anything that is not a
// recognized command, including plain messages that start with "/".
func (s *Store) HandleSlashCommand(content string, sess *Session, hooks Hooks) (handled bool, response string) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "/") {
		return false, ""
	}

	parts := strings.Fields(trimmed)
	command := strings.ToLower(parts[0])

	switch command {
	case "/help":
		return true, helpText

	case "/new", "/reset":
		if err := s.ClearHistory(sess.Key); err != nil {
			logger.ErrorCF("session", "Failed to clear history", map[string]any{
				"key":   sess.Key,
				"error": err.Error(),
			})
			return true, "Failed to reset the conversation: " + err.Error()
		}
		return true, "Started a fresh conversation."

	case "/model":
		if len(parts) == 1 {
			if hooks.CurrentModel == nil {
				return true, "Model selection is unavailable."
			}
			reply := "Current model: " + hooks.CurrentModel()
			if hooks.ListModels != nil {
				if models := hooks.ListModels(); len(models) > 0 {
					reply += "\nAvailable: " + strings.Join(models, ", ")
				}
			}
			return true, reply
		}
		if hooks.SetModel == nil {
			return true, "Model switching is unavailable."
		}
		model := parts[1]
		if err := hooks.SetModel(model); err != nil {
			return true, fmt.Sprintf("Cannot switch to %q: %v", model, err)
		}
		return true, "Switched model to " + model

	case "/usage":
		if hooks.UsageSummary == nil {
			return true, "Usage tracking is unavailable."
		}
		return true, hooks.UsageSummary(sess.Key)
	}

	return false, ""
}
