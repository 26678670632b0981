package metrics

import (
	"sort"
	"time"

	"github.com/relayworks/agent-relay/internal/session"
)

// UnknownBranch buckets deltas that carry no git branch.
const UnknownBranch = "unknown"

// MetricName is the event name posted for every branch summary.
const MetricName = "coding_agent.session"

// GeneralErrorKey buckets errors recorded while no tool was active.
const GeneralErrorKey = "general"

// SessionAttributes is one branch's summary, rebuilt on every sync pass.
type SessionAttributes struct {
	GitBranch        string `json:"gitBranch"`
	AgentName        string `json:"agentName,omitempty"`
	Provider         string `json:"provider,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`

	InputTokens      int64 `json:"inputTokens"`
	OutputTokens     int64 `json:"outputTokens"`
	CacheReadTokens  int64 `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int64 `json:"cacheWriteTokens,omitempty"`

	Tools   map[string]ToolUsage     `json:"tools,omitempty"`
	FileOps map[string]FileOperation `json:"fileOps,omitempty"`

	// Model is the plurality model of the bucket; ModelUsage keeps the full
	// tally it was chosen from.
	Model      string         `json:"model,omitempty"`
	ModelUsage map[string]int `json:"modelUsage,omitempty"`

	UserPrompts int `json:"userPrompts,omitempty"`

	// Errors preserves multiplicity, keyed by the tool active at failure
	// time or "general".
	Errors map[string][]string `json:"errors,omitempty"`

	DurationMs int64 `json:"durationMs"`
	DeltaCount int   `json:"deltaCount"`
}

// SessionMetric is the wire shape posted to the metrics API.
type SessionMetric struct {
	Name       string            `json:"name"`
	Attributes SessionAttributes `json:"attributes"`
}

// BranchSummary pairs one branch's metric with the record ids it covers, so
// the sync pass can flip exactly those records when the POST succeeds.
type BranchSummary struct {
	Metric    SessionMetric
	RecordIDs []string
}

// Aggregate partitions deltas by git branch and independently sums each
// bucket. Branches are never merged: one summary per branch, sorted by
// branch name for deterministic output. The caller filters to pending-only.
func Aggregate(sess *session.Session, deltas []Delta) []BranchSummary {
	if len(deltas) == 0 {
		return nil
	}

	buckets := map[string][]Delta{}
	for _, d := range deltas {
		branch := d.GitBranch
		if branch == "" {
			branch = UnknownBranch
		}
		buckets[branch] = append(buckets[branch], d)
	}

	branches := make([]string, 0, len(buckets))
	for b := range buckets {
		branches = append(branches, b)
	}
	sort.Strings(branches)

	out := make([]BranchSummary, 0, len(branches))
	for _, branch := range branches {
		out = append(out, summarize(sess, branch, buckets[branch]))
	}
	return out
}

func summarize(sess *session.Session, branch string, deltas []Delta) BranchSummary {
	attrs := SessionAttributes{
		GitBranch:  branch,
		DeltaCount: len(deltas),
	}
	if sess != nil {
		attrs.AgentName = sess.AgentName
		attrs.Provider = sess.Provider
		attrs.WorkingDirectory = sess.WorkingDirectory
	}

	ids := make([]string, 0, len(deltas))
	modelUsage := map[string]int{}
	minTS, maxTS := deltas[0].Timestamp, deltas[0].Timestamp

	for _, d := range deltas {
		ids = append(ids, d.RecordID)

		attrs.InputTokens += d.InputTokens
		attrs.OutputTokens += d.OutputTokens
		attrs.CacheReadTokens += d.CacheReadTokens
		attrs.CacheWriteTokens += d.CacheWriteTokens
		attrs.UserPrompts += d.UserPrompts

		for tool, u := range d.Tools {
			if attrs.Tools == nil {
				attrs.Tools = map[string]ToolUsage{}
			}
			cur := attrs.Tools[tool]
			cur.Calls += u.Calls
			cur.Successes += u.Successes
			cur.Failures += u.Failures
			attrs.Tools[tool] = cur
		}
		for op, f := range d.FileOps {
			if attrs.FileOps == nil {
				attrs.FileOps = map[string]FileOperation{}
			}
			cur := attrs.FileOps[op]
			cur.Count += f.Count
			cur.LinesAdded += f.LinesAdded
			cur.LinesRemoved += f.LinesRemoved
			attrs.FileOps[op] = cur
		}
		for model, n := range d.Models {
			modelUsage[model] += n
		}
		for _, e := range d.Errors {
			key := e.Tool
			if key == "" {
				key = GeneralErrorKey
			}
			if attrs.Errors == nil {
				attrs.Errors = map[string][]string{}
			}
			attrs.Errors[key] = append(attrs.Errors[key], e.Message)
		}

		if d.Timestamp.Before(minTS) {
			minTS = d.Timestamp
		}
		if d.Timestamp.After(maxTS) {
			maxTS = d.Timestamp
		}
	}

	if len(modelUsage) > 0 {
		attrs.ModelUsage = modelUsage
		attrs.Model = pluralityModel(modelUsage)
	}
	attrs.DurationMs = bucketDuration(sess, minTS, maxTS)

	return BranchSummary{
		Metric:    SessionMetric{Name: MetricName, Attributes: attrs},
		RecordIDs: ids,
	}
}

// pluralityModel picks the most-used model; ties break to the
// lexicographically smallest name so the result never depends on record
// order in the delta file.
func pluralityModel(usage map[string]int) string {
	best := ""
	bestN := -1
	for model, n := range usage {
		if n > bestN || (n == bestN && model < best) {
			best = model
			bestN = n
		}
	}
	return best
}

// bucketDuration is max-min of the bucket's timestamps, or first timestamp
// minus session start when every timestamp coincides.
func bucketDuration(sess *session.Session, minTS, maxTS time.Time) int64 {
	if maxTS.After(minTS) {
		return maxTS.Sub(minTS).Milliseconds()
	}
	if sess != nil && !sess.StartTime.IsZero() && minTS.After(sess.StartTime) {
		return minTS.Sub(sess.StartTime).Milliseconds()
	}
	return 0
}
