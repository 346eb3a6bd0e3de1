package poller

import (
	"sort"
	"time"

	"github.com/user/issuebot/internal/github"
	"github.com/user/issuebot/internal/storage"
)

// selectCandidates returns the issues a subscription should be notified about
// in a cycle, oldest first.
//
// An issue qualifies when it is open, carries at least one tracked label, was
// created after the watermark and no later than the cycle time. Without a
// watermark only the newest firstPollLimit matches are kept (0 keeps all).
func selectCandidates(issues []github.Issue, tracked storage.Labels, watermark time.Time, hasWatermark bool, cycleTime time.Time, firstPollLimit int) []github.Issue {
	var out []github.Issue
	for _, issue := range issues {
		if !issue.IsOpen() {
			continue
		}
		if !tracked.Intersects(issue.LabelNames()) {
			continue
		}
		if hasWatermark && !issue.CreatedAt.After(watermark) {
			continue
		}
		if issue.CreatedAt.After(cycleTime) {
			continue
		}
		out = append(out, issue)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Number < out[j].Number
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if !hasWatermark && firstPollLimit > 0 && len(out) > firstPollLimit {
		out = out[len(out)-firstPollLimit:]
	}
	return out
}

// labelUnion merges the tracked labels of every subscriber of a repository.
func labelUnion(subs []storage.Subscription) storage.Labels {
	var all []string
	for _, s := range subs {
		all = append(all, s.TrackedLabels...)
	}
	return storage.NormalizeLabels(all)
}
