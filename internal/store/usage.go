package store

import (
	"context"

	"github.com/promptobjects/promptobjects/pkg/models"
)

// UsageTotals accumulates token counts.
type UsageTotals struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens"`
	Messages            int `json:"messages"`
}

func (t *UsageTotals) add(u *models.Usage) {
	t.InputTokens += u.InputTokens
	t.OutputTokens += u.OutputTokens
	t.CacheCreationTokens += u.CacheCreationTokens
	t.CacheReadTokens += u.CacheReadTokens
	t.Messages++
}

// UsageReport carries totals plus a per-model breakdown. The breakdown values
// sum to the totals.
type UsageReport struct {
	SessionID string                  `json:"session_id"`
	Totals    UsageTotals             `json:"totals"`
	ByModel   map[string]*UsageTotals `json:"by_model"`
}

// SessionUsage aggregates assistant-message usage for one session.
func (s *Store) SessionUsage(ctx context.Context, sessionID string) (*UsageReport, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	report := &UsageReport{
		SessionID: sessionID,
		ByModel:   map[string]*UsageTotals{},
	}
	msgs, err := s.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if msg.Usage == nil {
			continue
		}
		report.Totals.add(msg.Usage)
		model := msg.Usage.Model
		if model == "" {
			model = "unknown"
		}
		if report.ByModel[model] == nil {
			report.ByModel[model] = &UsageTotals{}
		}
		report.ByModel[model].add(msg.Usage)
	}
	return report, nil
}

// ThreadTreeUsage aggregates usage across a session and all of its delegation
// descendants: tree(id) = session(id) + sum(tree(child)).
func (s *Store) ThreadTreeUsage(ctx context.Context, sessionID string) (*UsageReport, error) {
	report, err := s.SessionUsage(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	children, err := s.GetChildThreads(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		childReport, err := s.ThreadTreeUsage(ctx, child.ID)
		if err != nil {
			return nil, err
		}
		report.Totals.InputTokens += childReport.Totals.InputTokens
		report.Totals.OutputTokens += childReport.Totals.OutputTokens
		report.Totals.CacheCreationTokens += childReport.Totals.CacheCreationTokens
		report.Totals.CacheReadTokens += childReport.Totals.CacheReadTokens
		report.Totals.Messages += childReport.Totals.Messages
		for model, totals := range childReport.ByModel {
			if report.ByModel[model] == nil {
				report.ByModel[model] = &UsageTotals{}
			}
			agg := report.ByModel[model]
			agg.InputTokens += totals.InputTokens
			agg.OutputTokens += totals.OutputTokens
			agg.CacheCreationTokens += totals.CacheCreationTokens
			agg.CacheReadTokens += totals.CacheReadTokens
			agg.Messages += totals.Messages
		}
	}
	return report, nil
}
