package youtube

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

type channelFeed struct {
	Entries []struct {
		VideoID string `xml:"videoId"`
		Title   string `xml:"title"`
	} `xml:"entry"`
}

// ChannelVideos lists the most recent uploads of a channel via its Atom feed.
func (c *Client) ChannelVideos(ctx context.Context, channelID string) ([]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := c.opts.BaseURL + "/feeds/videos.xml?channel_id=" + url.QueryEscape(channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", engine.UserAgentBot)
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("channel feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("channel feed %s: HTTP %d", channelID, resp.StatusCode)
	}
	var feed channelFeed
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 2*1024*1024)).Decode(&feed); err != nil {
		return nil, fmt.Errorf("channel feed %s: %w", channelID, err)
	}
	ids := make([]string, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		if e.VideoID != "" {
			ids = append(ids, e.VideoID)
		}
	}
	return ids, nil
}
