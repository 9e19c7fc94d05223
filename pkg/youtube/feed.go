package youtube

import (
	"fmt"

	"github.com/mmcdole/gofeed"
	"github.com/suisei-cn/stargazer/pkg/ingest"
)

// entry is the part of a push notification the manager needs.
type entry struct {
	VideoID   string
	ChannelID string
	Link      string
	Title     string
}

func extension(item *gofeed.Item, name string) string {
	for _, e := range item.Extensions["yt"][name] {
		if e.Value != "" {
			return e.Value
		}
	}
	return ""
}

// parseEntry reads the first entry of a WebSub Atom notification.
func parseEntry(body string) (*entry, error) {
	feed, err := gofeed.NewParser().ParseString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ingest.ErrMalformed, err)
	}
	if len(feed.Items) == 0 {
		return nil, fmt.Errorf("%w: feed without entries", ingest.ErrMalformed)
	}
	item := feed.Items[0]
	e := &entry{
		VideoID:   extension(item, "videoId"),
		ChannelID: extension(item, "channelId"),
		Link:      item.Link,
		Title:     item.Title,
	}
	if e.VideoID == "" || e.ChannelID == "" {
		return nil, fmt.Errorf("%w: entry without video or channel id", ingest.ErrMalformed)
	}
	return e, nil
}
