package feed_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/followstars/followstars/internal/adapter/driving/feed"
	"github.com/followstars/followstars/internal/domain/model"
)

func TestBuild_OrdersNewestFirstAndSetsGUID(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	description := "a neat tool"
	events := []model.StarEvent{
		{Login: "alice", RepoFullName: "alice/old", RepoHTMLURL: "https://github.com/alice/old", StarredAt: now.Add(-time.Hour)},
		{Login: "bob", RepoFullName: "bob/new", RepoHTMLURL: "https://github.com/bob/new", RepoDescription: &description, StarredAt: now},
	}

	xml, err := feed.Build(events, now)
	require.NoError(t, err)
	assert.Contains(t, xml, "bob starred bob/new")
	assert.Contains(t, xml, "github-star://bob/bob/new/")
	assert.Contains(t, xml, "a neat tool")

	newIdx := indexOf(xml, "bob starred bob/new")
	oldIdx := indexOf(xml, "alice starred alice/old")
	assert.Less(t, newIdx, oldIdx, "newest event must render before older events")
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
