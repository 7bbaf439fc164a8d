package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hive-corporation/ioc-connectors/internal/core/ports"
)

// DefaultSlackAPIURL is the chat.postMessage endpoint.
const DefaultSlackAPIURL = "https://slack.com/api/chat.postMessage"

type SlackNotifier struct {
	botToken    string
	channel     string
	mentionTeam string
	apiURL      string
	httpClient  *http.Client
}

var _ ports.Notifier = (*SlackNotifier)(nil)

func NewSlackNotifier(botToken, channel, mentionTeam, apiURL string) *SlackNotifier {
	if apiURL == "" {
		apiURL = DefaultSlackAPIURL
	}
	return &SlackNotifier{
		botToken:    botToken,
		channel:     channel,
		mentionTeam: mentionTeam,
		apiURL:      apiURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NotifyBatchPublished sends a summary of a batch that reached the platform
func (s *SlackNotifier) NotifyBatchPublished(summary ports.BatchSummary) error {
	payload := SlackMessage{
		Channel: s.channel,
		Blocks:  s.buildBatchBlocks(summary),
		Text:    fmt.Sprintf("📥 %s imported %s", summary.Connector, summary.Batch),
	}
	return s.sendMessage(payload)
}

// NotifyCycleFailed sends an alert for a cycle that did not persist its state
func (s *SlackNotifier) NotifyCycleFailed(failure ports.CycleFailure) error {
	payload := SlackMessage{
		Channel: s.channel,
		Blocks:  s.buildFailureBlocks(failure),
		Text:    fmt.Sprintf("⚠️ %s cycle failed (%s)", failure.Connector, failure.Kind),
	}
	return s.sendMessage(payload)
}

// Build Slack blocks for a published batch
func (s *SlackNotifier) buildBatchBlocks(summary ports.BatchSummary) []SlackBlock {
	report := summary.ReportName
	if report == "" {
		report = "_nothing new_"
	}

	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackText{
				Type: "plain_text",
				Text: "📥 IOC Batch Imported",
			},
		},
		{
			Type: "section",
			Fields: []SlackText{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Connector*\n%s", summary.Connector)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Batch*\n`%s`", summary.Batch)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Report*\n%s", report)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Mode*\n%s", summary.Mode)},
			},
		},
		{
			Type: "context",
			Elements: []SlackText{
				{
					Type: "mrkdwn",
					Text: fmt.Sprintf("Observables: *%d* | Indicators: *%d* | Removed: *%d* | Rejected rows: *%d*",
						summary.Observables, summary.Indicators, summary.Removed, summary.Rejected),
				},
			},
		},
	}
	return blocks
}

// Build Slack blocks for a failed cycle
func (s *SlackNotifier) buildFailureBlocks(failure ports.CycleFailure) []SlackBlock {
	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackText{
				Type: "plain_text",
				Text: "⚠️ Connector Cycle Failed",
			},
		},
		{
			Type: "section",
			Fields: []SlackText{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Connector*\n%s", failure.Connector)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Kind*\n%s", failure.Kind)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Phase*\n%s", failure.Phase)},
			},
		},
		{
			Type: "section",
			Text: &SlackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("```%s```\nBatches archived before the failure are saved; the rest is retried next cycle.", failure.Error),
			},
		},
	}

	if s.mentionTeam != "" {
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("🔔 %s", s.mentionTeam),
			},
		})
	}
	return blocks
}

// Send message to Slack
func (s *SlackNotifier) sendMessage(msg SlackMessage) error {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack message: %w", err)
	}

	req, err := http.NewRequest("POST", s.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}

	return nil
}

// Slack API structures

type SlackMessage struct {
	Channel string       `json:"channel"`
	Blocks  []SlackBlock `json:"blocks"`
	Text    string       `json:"text"` // Fallback text
}

type SlackBlock struct {
	Type     string      `json:"type"`
	Text     *SlackText  `json:"text,omitempty"`
	Fields   []SlackText `json:"fields,omitempty"`
	Elements []SlackText `json:"elements,omitempty"`
}

type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
