package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/promptobjects/promptobjects/internal/capability"
	"github.com/promptobjects/promptobjects/internal/store"
	"github.com/promptobjects/promptobjects/pkg/models"
)

func (s *Server) resourceDefs() []resourceDef {
	var out []resourceDef
	for _, po := range s.engine.Registry().List(capability.KindPO) {
		name := po.Name()
		out = append(out,
			resourceDef{
				URI:         "po://" + name + "/conversation",
				Name:        name + " conversation",
				Description: "Latest conversation with " + name,
				MimeType:    "text/markdown",
			},
			resourceDef{
				URI:         "po://" + name + "/config",
				Name:        name + " config",
				Description: "Frontmatter configuration of " + name,
				MimeType:    "application/yaml",
			},
			resourceDef{
				URI:         "po://" + name + "/prompt",
				Name:        name + " prompt",
				Description: "System prompt body of " + name,
				MimeType:    "text/markdown",
			},
		)
	}
	out = append(out, resourceDef{
		URI:         "bus://messages",
		Name:        "bus messages",
		Description: "Recent message bus traffic",
		MimeType:    "text/plain",
	})
	return out
}

func (s *Server) readResource(ctx context.Context, uri string) (*resourceContents, error) {
	if uri == "bus://messages" {
		events, err := s.engine.Store().RecentEvents(ctx, 100)
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		for _, event := range events {
			fmt.Fprintf(&b, "[%s] %s -> %s: %s\n",
				event.CreatedAt.Format("15:04:05"), event.From, event.To, event.Summary)
		}
		return &resourceContents{Contents: []resourceContent{{
			URI: uri, MimeType: "text/plain", Text: b.String(),
		}}}, nil
	}

	rest, ok := strings.CutPrefix(uri, "po://")
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", uri)
	}
	name, facet, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", uri)
	}
	po, err := s.findPO(name)
	if err != nil {
		return nil, err
	}

	switch facet {
	case "conversation":
		text, err := s.renderConversation(ctx, name, 0)
		if err != nil {
			return nil, err
		}
		return &resourceContents{Contents: []resourceContent{{
			URI: uri, MimeType: "text/markdown", Text: text,
		}}}, nil

	case "config":
		def := po.Definition()
		encoded, err := yaml.Marshal(def.Frontmatter)
		if err != nil {
			return nil, err
		}
		return &resourceContents{Contents: []resourceContent{{
			URI: uri, MimeType: "application/yaml", Text: string(encoded),
		}}}, nil

	case "prompt":
		return &resourceContents{Contents: []resourceContent{{
			URI: uri, MimeType: "text/markdown", Text: po.Body(),
		}}}, nil

	default:
		return nil, fmt.Errorf("unknown resource facet %q", facet)
	}
}

// renderConversation renders the PO's latest root session. limit keeps only
// the last N messages when positive.
func (s *Server) renderConversation(ctx context.Context, poName string, limit int) (string, error) {
	if _, err := s.findPO(poName); err != nil {
		return "", err
	}
	sessions, err := s.engine.Store().ListSessions(ctx, store.ListSessionsOptions{PoName: poName})
	if err != nil {
		return "", err
	}
	var latest *models.Session
	for _, session := range sessions {
		if !session.IsRoot() {
			continue
		}
		if latest == nil || session.UpdatedAt.After(latest.UpdatedAt) {
			latest = session
		}
	}
	if latest == nil {
		return "(no conversation yet)", nil
	}

	msgs, err := s.engine.Store().GetMessages(ctx, latest.ID)
	if err != nil {
		return "", err
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	var b strings.Builder
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleUser:
			sender := "user"
			if msg.FromPO != "" {
				sender = msg.FromPO
			}
			fmt.Fprintf(&b, "**%s**: %s\n\n", sender, msg.Content)
		case models.RoleAssistant:
			if msg.Content != "" {
				fmt.Fprintf(&b, "**%s**: %s\n\n", poName, msg.Content)
			}
			for _, call := range msg.ToolCalls {
				fmt.Fprintf(&b, "*%s called %s*\n\n", poName, call.Name)
			}
		case models.RoleTool:
			for _, res := range msg.ToolResults {
				fmt.Fprintf(&b, "*%s returned:* %s\n\n", res.Name, res.Content)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
