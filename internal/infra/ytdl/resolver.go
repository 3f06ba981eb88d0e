// Package ytdl resolves play queries into streamable tracks using
// YouTube search and yt-dlp.
package ytdl

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	zlog "github.com/rs/zerolog/log"

	"github.com/tkd55/melobot/internal/domain/track"
)

// Resolver turns a search term or URL into a Track. Anything that does
// not look like a direct locator is treated as a search term.
type Resolver struct {
	search *ytsearch.Client
}

// New creates a resolver.
func New() *Resolver {
	return &Resolver{
		search: ytsearch.NewClient(nil),
	}
}

// Resolve returns a Track whose MediaRef is a direct audio URL.
// Zero search results and malformed extractor output are both
// resolution failures; the queue is never touched from here.
func (r *Resolver) Resolve(ctx context.Context, query string) (track.Track, error) {
	target := query
	if !isDirectLocator(query) {
		found, err := r.searchFirst(ctx, query)
		if err != nil {
			return track.Track{}, err
		}
		target = found
	}
	return r.extract(ctx, target)
}

// searchFirst returns the watch URL of the top search result.
func (r *Resolver) searchFirst(ctx context.Context, query string) (string, error) {
	res, err := r.search.Search(ctx, query)
	if err != nil {
		return "", errors.Wrap(err, "youtube search failed")
	}
	if len(res.Results) == 0 {
		return "", errors.Newf("no results for %q", query)
	}
	first := res.Results[0]
	zlog.Debug().Str("query", query).Str("video_id", first.VideoID).Msg("search hit")
	return "https://www.youtube.com/watch?v=" + first.VideoID, nil
}

// extract asks yt-dlp for the best-audio stream URL and the title.
func (r *Resolver) extract(ctx context.Context, url string) (track.Track, error) {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings().
		NoPlaylist().
		Format("bestaudio/best").
		Print("%(url)s\t%(title)s")

	res, err := cmd.Run(ctx, "--socket-timeout", "10", url)
	if err != nil {
		return track.Track{}, errors.Wrap(err, "yt-dlp extraction failed")
	}
	return parseExtractorOutput(url, res.Stdout)
}

// parseExtractorOutput parses the single tab-separated line yt-dlp was
// asked to print: stream URL, then title.
func parseExtractorOutput(url, stdout string) (track.Track, error) {
	line := strings.SplitN(strings.TrimSpace(stdout), "\n", 2)[0]
	parts := strings.SplitN(line, "\t", 2)
	if len(parts) < 2 || parts[0] == "" || parts[0] == "NA" {
		return track.Track{}, errors.Newf("malformed extractor output for %s", url)
	}

	title := parts[1]
	if title == "" || title == "NA" {
		title = url
	}
	return track.New(parts[0], title), nil
}

// isDirectLocator reports whether the query is already a URL.
func isDirectLocator(query string) bool {
	return strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://")
}
