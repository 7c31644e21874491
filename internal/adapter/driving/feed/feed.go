// Package feed renders the aggregated star timeline as an RSS 2.0 document.
package feed

import (
	"fmt"
	"sort"
	"time"

	"github.com/gorilla/feeds"

	"github.com/followstars/followstars/internal/domain/model"
)

const (
	channelTitle       = "GitHub Followings Stars"
	channelLink        = "https://github.com"
	channelDescription = "Aggregated feed of repositories starred by the accounts you follow on GitHub."
)

// Build renders events (newest starred_at first) as an RSS 2.0 XML document.
func Build(events []model.StarEvent, generatedAt time.Time) (string, error) {
	sorted := append([]model.StarEvent(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StarredAt.After(sorted[j].StarredAt) })

	feed := &feeds.Feed{
		Title:       channelTitle,
		Link:        &feeds.Link{Href: channelLink},
		Description: channelDescription,
		Created:     generatedAt,
	}

	items := make([]*feeds.Item, 0, len(sorted))
	for _, ev := range sorted {
		items = append(items, buildItem(ev))
	}
	feed.Items = items

	return feed.ToRss()
}

func buildItem(ev model.StarEvent) *feeds.Item {
	title := fmt.Sprintf("%s starred %s", ev.Login, ev.RepoFullName)
	guid := fmt.Sprintf("github-star://%s/%s/%s", ev.Login, ev.RepoFullName, ev.StarredAt.Format(time.RFC3339))

	description := fmt.Sprintf("Starred by https://github.com/%s", ev.Login)
	if ev.RepoDescription != nil && *ev.RepoDescription != "" {
		description = fmt.Sprintf("%s\nStarred by https://github.com/%s", *ev.RepoDescription, ev.Login)
	}

	return &feeds.Item{
		Title:       title,
		Link:        &feeds.Link{Href: ev.RepoHTMLURL},
		Description: description,
		Id:          guid,
		Created:     ev.StarredAt,
	}
}
