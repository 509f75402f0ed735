package middleware

import (
	"regexp"

	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	log "github.com/sirupsen/logrus"
)

// CommandLeakFilter deletes any surviving command token from text bound for
// an upstream model. The command interpreter strips the commands it
// executed; this filter is the backstop for partially formed or unexecuted
// tokens that would otherwise confuse the model.
type CommandLeakFilter struct {
	re *regexp.Regexp
}

// NewCommandLeakFilter compiles the leak pattern for the active prefix.
func NewCommandLeakFilter(prefix string) *CommandLeakFilter {
	pattern := `(?i)` + regexp.QuoteMeta(prefix) + `([\w-]+(\(.*?\))?|hello|help)`
	return &CommandLeakFilter{re: regexp.MustCompile(pattern)}
}

// Apply removes command tokens from every message in place, logging each
// deletion.
func (f *CommandLeakFilter) Apply(req *canonical.Request) {
	for i := range req.Messages {
		msg := &req.Messages[i]
		msg.Content.Text = f.scrub(msg.Content.Text)
		for j := range msg.Content.Parts {
			msg.Content.Parts[j].Text = f.scrub(msg.Content.Parts[j].Text)
		}
	}
}

func (f *CommandLeakFilter) scrub(text string) string {
	if text == "" || !f.re.MatchString(text) {
		return text
	}
	return f.re.ReplaceAllStringFunc(text, func(match string) string {
		log.Warnf("command token %q removed from upstream-bound message", match)
		return ""
	})
}
